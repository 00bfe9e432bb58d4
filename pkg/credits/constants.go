package credits

const (
	operationBalance = "balance"
	operationDeduct  = "deduct"
	operationGrant   = "grant"
	operationSettle  = "settle"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"

	// ReasonAlreadyProcessed is reported when a settlement session was
	// already credited by an earlier call.
	ReasonAlreadyProcessed = "already processed"
)
