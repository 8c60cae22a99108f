package protocol

// Numeric error codes carried in ERROR frames. Grouped by subsystem:
// 1xxx session, 2xxx lobby, 3xxx payments, 4xxx match, 5xxx limits.
const (
	CodeInvalidSession      = 1001
	CodeSessionExpired      = 1002
	CodeLobbyNotFound       = 2001
	CodeLobbyFull           = 2002
	CodeAlreadyInLobby      = 2003
	CodeLobbyTimeout        = 2004
	CodePaymentNotConfirmed = 2005
	CodeRefundNotAvailable  = 2006
	CodeNotInLobby          = 2007
	CodePaymentFailed       = 3001
	CodeInsufficientBalance = 3002
	CodeMatchNotFound       = 4001
	CodeNotInMatch          = 4002
	CodeRateLimited         = 5001
	CodeInternalError       = 9999
)

// WebSocket close codes used by the gateway.
const (
	CloseInvalidSession     = 4001
	CloseAdminReset         = 4000
	CloseTooManyConnections = 4429
	CloseServerShutdown     = 1001
	CloseDuplicateReconnect = 1008
)
