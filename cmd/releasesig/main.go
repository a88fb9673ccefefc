package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	"blindescrow/internal/eip712"
	"blindescrow/internal/escrow"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err := cmd(os.Stdout, os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	var cmds []string
	for name := range commands {
		cmds = append(cmds, name)
	}
	sort.Strings(cmds)
	fmt.Fprintf(w, `Usage:
	%s <cmd> [options]

Use <cmd> -h to display help for each command.
Available commands: %s
`, os.Args[0], strings.Join(cmds, ", "))
}

var commands = map[string]func(io.Writer, []string) error{
	"hash": cmdHash,
	"sign": cmdSign,
}

// cmdHash prints the concealed beneficiary hash a depositor submits.
func cmdHash(out io.Writer, args []string) error {
	fl := flag.NewFlagSet("hash", flag.ContinueOnError)
	var (
		addrFl = fl.String("address", "", "Beneficiary address.")
		keyFl  = fl.String("key", "", "Beneficiary private key (hex). Used when -address is empty.")
	)
	if err := fl.Parse(args); err != nil {
		return err
	}

	var addr common.Address
	switch {
	case *addrFl != "":
		if !common.IsHexAddress(*addrFl) {
			return fmt.Errorf("invalid address %q", *addrFl)
		}
		addr = common.HexToAddress(*addrFl)
	case *keyFl != "":
		key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyFl, "0x"))
		if err != nil {
			return fmt.Errorf("cannot parse key: %w", err)
		}
		addr = crypto.PubkeyToAddress(key.PublicKey)
	default:
		return errors.New("-address or -key is required")
	}

	return writeJSON(out, map[string]string{
		"beneficiary":     addr.Hex(),
		"beneficiaryHash": escrow.ConcealAddress(addr).Hex(),
	})
}

type signOutput struct {
	Beneficiary string `json:"beneficiary"`
	Digest      string `json:"digest"`
	Release     struct {
		ID        uint64 `json:"id"`
		Amount    string `json:"amount"`
		Receiver  string `json:"receiver"`
		Deadline  uint64 `json:"deadline"`
		Signature string `json:"signature"`
	} `json:"release"`
}

// cmdSign signs a release authorization. The "release" object of the output
// is the body accepted by POST /api/v1/releases.
func cmdSign(out io.Writer, args []string) error {
	fl := flag.NewFlagSet("sign", flag.ContinueOnError)
	var (
		keyFl      = fl.String("key", os.Getenv("RELEASESIG_KEY"), "Beneficiary private key (hex). Defaults to $RELEASESIG_KEY.")
		idFl       = fl.Uint64("id", 0, "Deposit id.")
		amountFl   = fl.String("amount", "0", "Amount, decimal or 0x hex.")
		receiverFl = fl.String("receiver", "", "Address that receives the funds.")
		deadlineFl = fl.Uint64("deadline", 0, "Unix deadline in seconds. Overrides -ttl.")
		ttlFl      = fl.Duration("ttl", time.Hour, "Validity window when -deadline is not set.")
		chainFl    = fl.Int64("chain-id", 1, "Chain id of the signing domain.")
		contractFl = fl.String("contract", "", "Verifying contract of the signing domain.")
	)
	if err := fl.Parse(args); err != nil {
		return err
	}

	if *keyFl == "" {
		return errors.New("-key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyFl, "0x"))
	if err != nil {
		return fmt.Errorf("cannot parse key: %w", err)
	}
	if !common.IsHexAddress(*receiverFl) {
		return fmt.Errorf("invalid receiver %q", *receiverFl)
	}
	if !common.IsHexAddress(*contractFl) {
		return fmt.Errorf("invalid contract %q", *contractFl)
	}
	amount, ok := math.ParseBig256(*amountFl)
	if !ok || amount.Sign() < 0 {
		return fmt.Errorf("invalid amount %q", *amountFl)
	}
	deadline := *deadlineFl
	if deadline == 0 {
		deadline = uint64(time.Now().Add(*ttlFl).Unix())
	}

	verifier, err := eip712.NewVerifier(eip712.Domain{
		ChainID:           big.NewInt(*chainFl),
		VerifyingContract: common.HexToAddress(*contractFl),
	})
	if err != nil {
		return err
	}
	req := escrow.ReleaseRequest{
		ID:       *idFl,
		Amount:   amount,
		Receiver: common.HexToAddress(*receiverFl),
		Deadline: deadline,
	}
	digest, err := verifier.Digest(req)
	if err != nil {
		return err
	}
	sig, err := verifier.Sign(req, key)
	if err != nil {
		return fmt.Errorf("cannot sign: %w", err)
	}

	var res signOutput
	res.Beneficiary = crypto.PubkeyToAddress(key.PublicKey).Hex()
	res.Digest = digest.Hex()
	res.Release.ID = req.ID
	res.Release.Amount = amount.String()
	res.Release.Receiver = req.Receiver.Hex()
	res.Release.Deadline = deadline
	res.Release.Signature = hexutil.Encode(sig)
	return writeJSON(out, res)
}

func writeJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return fmt.Errorf("cannot serialize: %w", err)
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
