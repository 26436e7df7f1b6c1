package session

import (
	"strings"

	"github.com/sakif/vsphere-runner/internal/apperror"
)

// ClassifyConnection maps the error text of a failed Connect-VIServer call
// to a connection-failure kind. PowerCLI reports all of these as the same
// cmdlet error, so text matching is all we have; patterns follow the
// messages VMware.VimAutomation.Core actually emits.
func ClassifyConnection(text string) *apperror.AppError {
	lower := strings.ToLower(text)
	msg := strings.TrimSpace(text)

	switch {
	case strings.Contains(lower, "incorrect user name or password"),
		strings.Contains(lower, "cannot complete login"),
		strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "authorize exception"):
		return apperror.Connection("authentication", msg)

	case strings.Contains(lower, "certificate"),
		strings.Contains(lower, "ssl"),
		strings.Contains(lower, "tls"),
		strings.Contains(lower, "x.509"):
		return apperror.Connection("certificate", msg)

	case strings.Contains(lower, "could not resolve"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "unable to connect"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "unreachable"):
		return apperror.Connection("network", msg)

	default:
		return apperror.Connection("unknown", msg)
	}
}
