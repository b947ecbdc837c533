package ledger

const (
	operationCreateAccount = "create_account"
	operationTransfer      = "transfer"
	operationCredit        = "credit"
	operationDebit         = "debit"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	aggregateTypeAccount = "account"

	eventAccountCreated  = "account_created"
	eventTransferDebited = "transfer_debited"
	eventTransferCredited = "transfer_credited"
	eventCredited        = "credited"
	eventDebited         = "debited"
)
