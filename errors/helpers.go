package errors

// WrapOpComponent wraps err with an operation and component, keeping the
// original error reachable through errors.Is / errors.As.
// If err is nil, returns nil.
func WrapOpComponent(err error, op, component string) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Comp(component), err)
}

// WrapOpComponentKind is WrapOpComponent with an explicit Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Comp(component), kind, err)
}
