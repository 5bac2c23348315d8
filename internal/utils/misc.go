package utils

// Ptr returns a pointer to v. Handy for optional model fields.
func Ptr[T any](v T) *T { return &v }

// Val dereferences p, returning the zero value for nil.
func Val[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
