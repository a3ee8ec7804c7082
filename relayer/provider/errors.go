package provider

import "fmt"

// TimeoutHeightError indicates that the counterparty chain's height has
// passed a packet's timeout height, so the packet must be timed out rather
// than relayed.
type TimeoutHeightError struct {
	latestHeight  uint64
	timeoutHeight uint64
}

func (t *TimeoutHeightError) Error() string {
	return fmt.Sprintf("latest height %d is greater than expiration height: %d", t.latestHeight, t.timeoutHeight)
}

func NewTimeoutHeightError(latestHeight, timeoutHeight uint64) *TimeoutHeightError {
	return &TimeoutHeightError{latestHeight, timeoutHeight}
}

// TimeoutTimestampError indicates that the counterparty chain's block time
// has passed a packet's timeout timestamp.
type TimeoutTimestampError struct {
	latestTimestamp  uint64
	timeoutTimestamp uint64
}

func (t *TimeoutTimestampError) Error() string {
	return fmt.Sprintf("latest timestamp %d is greater than expiration timestamp: %d", t.latestTimestamp, t.timeoutTimestamp)
}

func NewTimeoutTimestampError(latestTimestamp, timeoutTimestamp uint64) *TimeoutTimestampError {
	return &TimeoutTimestampError{latestTimestamp, timeoutTimestamp}
}

// TimeoutOnCloseError indicates the counterparty channel end closed while
// packets were pending, requiring timeout-on-close handling.
type TimeoutOnCloseError struct {
	msg string
}

func (t *TimeoutOnCloseError) Error() string {
	return fmt.Sprintf("packet timeout due to closed channel: %s", t.msg)
}

func NewTimeoutOnCloseError(msg string) *TimeoutOnCloseError {
	return &TimeoutOnCloseError{msg}
}

// EstimateGasError reports a failed fee/gas estimation. Nothing was
// broadcast; the batch can be safely retried on a later pass.
type EstimateGasError struct {
	Inner error
}

func (e *EstimateGasError) Error() string {
	return fmt.Sprintf("failed to estimate gas: %v", e.Inner)
}

func (e *EstimateGasError) Unwrap() error { return e.Inner }

func NewEstimateGasError(err error) *EstimateGasError {
	return &EstimateGasError{Inner: err}
}
