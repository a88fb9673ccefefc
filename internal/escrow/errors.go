package escrow

import "errors"

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidBeneficiaryHash = errors.New("invalid beneficiary hash")
	ErrInvalidZeroAddress     = errors.New("invalid zero address")
	ErrSignatureExpired       = errors.New("signature expired")
	ErrSignatureInvalid       = errors.New("signature invalid")
	ErrFundsAlreadyReleased   = errors.New("funds already released")
	ErrTransferFailed         = errors.New("transfer failed")
	ErrUnauthorized           = errors.New("unauthorized")

	ErrDepositNotFound    = errors.New("deposit not found")
	ErrNotInitialized     = errors.New("escrow not initialized")
	ErrAlreadyInitialized = errors.New("escrow already initialized")

	// ErrTransferPending reports a transfer that was broadcast but whose
	// outcome is not yet known. It can no longer be undone, so the operation
	// that issued it commits.
	ErrTransferPending = errors.New("transfer pending")
)

var reasons = []struct {
	err  error
	name string
}{
	{ErrInvalidInput, "InvalidInput"},
	{ErrInvalidBeneficiaryHash, "InvalidBeneficiaryHash"},
	{ErrInvalidZeroAddress, "InvalidZeroAddress"},
	{ErrSignatureExpired, "SignatureExpired"},
	{ErrSignatureInvalid, "SignatureInvalid"},
	{ErrFundsAlreadyReleased, "FundsAlreadyReleased"},
	{ErrTransferFailed, "TransferFailed"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrDepositNotFound, "DepositNotFound"},
	{ErrNotInitialized, "NotInitialized"},
	{ErrAlreadyInitialized, "AlreadyInitialized"},
	{ErrTransferPending, "TransferPending"},
}

// Reason returns the stable failure name for err, or "Internal" when err is
// not one of the escrow failure kinds.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.name
		}
	}
	return "Internal"
}
