package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyConnection(t *testing.T) {
	tests := []struct {
		name string
		text string
		kind string
	}{
		{
			name: "bad credentials",
			text: "Connect-VIServer : Cannot complete login due to an incorrect user name or password.",
			kind: "authentication",
		},
		{
			name: "untrusted certificate",
			text: "Connect-VIServer : The SSL connection could not be established. The remote certificate is invalid.",
			kind: "certificate",
		},
		{
			name: "dns failure",
			text: "Connect-VIServer : Could not resolve the requested VC server.",
			kind: "network",
		},
		{
			name: "refused",
			text: "Connect-VIServer : Unable to connect to the remote server: connection refused",
			kind: "network",
		},
		{
			name: "anything else",
			text: "Connect-VIServer : The operation is not supported on this object.",
			kind: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyConnection(tt.text)
			assert.Equal(t, tt.kind, err.Kind)
		})
	}
}
