package redact_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/redact"
)

func TestSecrets(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "bearer", in: "401: Bearer abc.def.ghi rejected", want: "401: Bearer <redacted> rejected"},
		{name: "api key", in: "call failed api_key=sk-123", want: "call failed <redacted_kv>"},
		{name: "password", in: "password: hunter2 ", want: "<redacted_kv>"},
		{name: "postgres dsn", in: "dial postgres://app:s3cret@db:5432/x failed", want: "dial postgres://<redacted>@db:5432/x failed"},
		{name: "redis dsn without user", in: "redis://:pw@cache:6379/0", want: "redis://<redacted>@cache:6379/0"},
		{name: "plain", in: "record r-1 filled", want: "record r-1 filled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, redact.Secrets(tt.in))
		})
	}
}
