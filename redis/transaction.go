package redis

// TransactionResponse unpacks an EXEC reply into per-command replies.
// A nil array means a WATCHed key changed and the transaction did not
// run; that is reported as ErrExecEmpty.
func TransactionResponse(res Reply, err error) ([]Reply, error) {
	if err != nil {
		return nil, err
	}
	if res.Kind == Array && !res.Null {
		return res.Elems, nil
	}
	if res.IsNil() {
		return nil, ErrExecEmpty.NewWithNoMessage()
	}
	return nil, ErrResponseUnexpected.New("EXEC reply is not an array").
		WithProperty(EKResponse, res)
}
