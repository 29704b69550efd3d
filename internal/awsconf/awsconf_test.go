package awsconf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty", cfg: Config{}},
		{name: "static pair", cfg: Config{AccessKeyID: "AKIA", SecretAccessKey: "secret"}},
		{name: "key only", cfg: Config{AccessKeyID: "AKIA"}, wantErr: "must be provided together"},
		{name: "secret only", cfg: Config{SecretAccessKey: "secret"}, wantErr: "must be provided together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:4566", ""))
}
