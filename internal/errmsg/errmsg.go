// Package errmsg provides enhanced error message formatting with actionable suggestions.
package errmsg

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/dopamine-pm/dop/internal/doperrors"
)

// ErrorContext provides additional context for error formatting
type ErrorContext struct {
	ToolName string // The package being operated on (for suggestions)
}

// Format returns a formatted error message with possible causes and suggestions.
// The context parameter is optional - pass nil for generic formatting.
func Format(err error, ctx *ErrorContext) string {
	if err == nil {
		return ""
	}

	errMsg := err.Error()

	// Check for the structured, kind-tagged errors the resolver/engine/
	// registry client raise.
	var dopErr *doperrors.Error
	if errors.As(err, &dopErr) {
		return formatDopError(dopErr, ctx)
	}

	var unsat *doperrors.UnsatisfiableConstraint
	if errors.As(err, &unsat) {
		return formatUnsatisfiable(unsat, ctx)
	}

	// Check for rate limit errors (string matching for unstructured errors)
	if isRateLimitError(errMsg) {
		return formatRateLimitError(errMsg, ctx)
	}

	// Check for network errors
	var netErr net.Error
	if errors.As(err, &netErr) {
		return formatNetworkError(netErr, ctx)
	}

	// Check for connection-related errors by message
	if isNetworkError(errMsg) {
		return formatGenericNetworkError(errMsg, ctx)
	}

	// Check for "not found" errors
	if isNotFoundError(errMsg) {
		return formatNotFoundError(errMsg, ctx)
	}

	// Check for permission errors
	if isPermissionError(errMsg) {
		return formatPermissionError(errMsg, ctx)
	}

	// Return original error for unrecognized types
	return errMsg
}

func formatDopError(err *doperrors.Error, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	sb.WriteString("\n")

	switch err.Kind {
	case doperrors.KindNetworkError:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - Network connectivity issue\n")
		sb.WriteString("  - Registry temporarily unavailable\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Check your internet connection\n")
		sb.WriteString("  - Retry with --no-network to fall back to the cache\n")

	case doperrors.KindResourceNotFound:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - The package or version does not exist in the registry\n")
		sb.WriteString("  - Typo in the package name\n")

		sb.WriteString("\nSuggestions:\n")
		if ctx != nil && ctx.ToolName != "" {
			sb.WriteString(fmt.Sprintf("  - Run 'dop search %s' to see matching packages\n", ctx.ToolName))
		} else {
			sb.WriteString("  - Run 'dop search <pattern>' to see matching packages\n")
		}

	case doperrors.KindAuthError:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - No registry credential, or it has expired\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Run 'dop login --registry <R> <TOKEN>' to authenticate\n")

	case doperrors.KindLockContention:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - Another dop process holds the recipe or build lock\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Wait for the other invocation to finish\n")

	case doperrors.KindIntegrityError:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - Downloaded archive digest does not match the registry record\n")
		sb.WriteString("  - Corrupted or tampered cache entry\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Clear the offending cache entry and retry\n")

	default:
		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Try again in a few minutes\n")
	}

	return sb.String()
}

func formatUnsatisfiable(err *doperrors.UnsatisfiableConstraint, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - Two dependencies require incompatible version ranges\n")
	sb.WriteString("  - No available version satisfies every incoming constraint\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString(fmt.Sprintf("  - Run 'dop resolve --pick-highest' to relax location preference for %s\n", err.Name))
	sb.WriteString("  - Inspect the offending recipes' dependencies() for conflicting specs\n")

	return sb.String()
}

func formatRateLimitError(errMsg string, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - Too many requests to the registry\n")
	sb.WriteString("  - Unauthenticated requests have lower limits\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Run 'dop login' to authenticate and raise the rate limit\n")
	sb.WriteString("  - Wait a few minutes before retrying\n")

	return sb.String()
}

func formatNetworkError(err net.Error, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	if err.Timeout() {
		sb.WriteString("  - Request timed out\n")
		sb.WriteString("  - Slow or unstable network connection\n")
	} else {
		sb.WriteString("  - Network connectivity issue\n")
		sb.WriteString("  - DNS resolution failure\n")
	}
	sb.WriteString("  - Firewall or proxy blocking the connection\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Check your internet connection\n")
	sb.WriteString("  - Try again in a few minutes\n")
	if err.Timeout() {
		sb.WriteString("  - Check if you're behind a slow proxy\n")
	}

	return sb.String()
}

func formatGenericNetworkError(errMsg string, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - Network connectivity issue\n")
	sb.WriteString("  - DNS resolution failure\n")
	sb.WriteString("  - Registry temporarily unavailable\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Check your internet connection\n")
	sb.WriteString("  - Try again in a few minutes\n")

	return sb.String()
}

func formatNotFoundError(errMsg string, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - Package does not exist in the registry\n")
	sb.WriteString("  - Typo in the package name\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Check the spelling of the package name\n")
	if ctx != nil && ctx.ToolName != "" {
		sb.WriteString(fmt.Sprintf("  - Run 'dop search %s' to see matching packages\n", ctx.ToolName))
	} else {
		sb.WriteString("  - Run 'dop search <pattern>' to see matching packages\n")
	}

	return sb.String()
}

func formatPermissionError(errMsg string, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - Insufficient permissions on $DOP_HOME directory\n")
	sb.WriteString("  - File or directory owned by a different user\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Check permissions on ~/.dopcache and the recipe's .dop directory\n")
	sb.WriteString("  - Ensure you own those directories\n")

	return sb.String()
}

// isRateLimitError checks if the error message indicates a rate limit
func isRateLimitError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate-limit") ||
		strings.Contains(lower, "too many requests")
}

// isNetworkError checks if the error message indicates a network issue
func isNetworkError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "network is unreachable") ||
		strings.Contains(lower, "dial tcp") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "i/o timeout")
}

// isNotFoundError checks if the error message indicates something not found
func isNotFoundError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not found") ||
		strings.Contains(lower, "404") ||
		strings.Contains(lower, "does not exist")
}

// isPermissionError checks if the error message indicates a permission issue
func isPermissionError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "operation not permitted")
}
