package utils

// ctxKey is unexported so no other package can collide with our keys.
type ctxKey string

const (
	// CtxKeyAdminSubject carries the authenticated admin JWT subject
	// from the middleware to handlers and audit logging.
	CtxKeyAdminSubject ctxKey = "adminSubject"
)
