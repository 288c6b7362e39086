package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tenexium/tenex/utils/pkg/retry"
)

var (
	// ErrRemoteUnavailable marks transport failures: connection errors, timeouts, 5xx.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrRemoteRejected marks calls the remote answered with an error, a revert or
	// an undecodable result.
	ErrRemoteRejected = errors.New("remote rejected")
	// ErrTransactionReverted is returned when a mined receipt has a failed status.
	ErrTransactionReverted = errors.New("transaction reverted")
)

// IsRetryable reports whether err belongs to the remote failure taxonomy. Both
// kinds are retried since congestion and hard rejections look alike on chain.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrRemoteRejected)
}

// classify tags err with its taxonomy sentinel. Cancellation of the caller's
// context is passed through untagged so it is never retried.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrRemoteRejected) {
		return err
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %s: %w", ErrRemoteRejected, op, err)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, op, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrRemoteRejected, op, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return fmt.Errorf("%w: %s: %w", ErrRemoteRejected, op, err)
	}
	if retry.IsRetryable(err) {
		return fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, op, err)
	}
	// Anything the transport cannot name as transient is treated as an answer.
	return fmt.Errorf("%w: %s: %w", ErrRemoteRejected, op, err)
}
