// pkg/cli/cli_test.go

package cli

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_io"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindFlagsToViper(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	AddStringFlag(cmd, "listen", "l", ":8080", "listen address", false)
	AddIntFlag(cmd, "burst", "", 5, "burst")
	AddBoolFlag(cmd, "verbose", "v", false, "verbose")
	require.NoError(t, cmd.Flags().Parse([]string{"--listen", ":9999"}))

	v := viper.New()
	v.SetDefault("server.listen", ":1")
	v.SetDefault("rate_limit.burst", 1)
	require.NoError(t, BindFlagsToViper(cmd.Flags(), v, map[string]string{
		"listen": "server.listen",
		"burst":  "rate_limit.burst",
	}))

	assert.Equal(t, ":9999", v.GetString("server.listen"))
	// An unset flag leaves the lower-precedence default in place.
	assert.Equal(t, 1, v.GetInt("rate_limit.burst"))
	assert.False(t, v.IsSet("verbose"))
}

func TestGetRequiredString(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	AddStringFlag(cmd, "name", "", "", "name", false)

	_, err := GetRequiredString(cmd, "name")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--name is empty")

	require.NoError(t, cmd.Flags().Set("name", "alice"))
	got, err := GetRequiredString(cmd, "name")
	require.NoError(t, err)
	assert.Equal(t, "alice", got)

	_, err = GetRequiredString(cmd, "missing")
	assert.Error(t, err)
	assert.Equal(t, "", GetStringOrEmpty(cmd, "missing"))
}

func TestWrap(t *testing.T) {
	tests := []struct {
		name    string
		fn      RunFunc
		wantErr string
	}{
		{
			name: "success",
			fn: func(rc *pam_io.RuntimeContext, cmd *cobra.Command, args []string) error {
				if rc.Ctx == nil {
					return errors.New("no context")
				}
				return nil
			},
		},
		{
			name: "error passes through",
			fn: func(*pam_io.RuntimeContext, *cobra.Command, []string) error {
				return errors.New("boom")
			},
			wantErr: "boom",
		},
		{
			name: "panic becomes error",
			fn: func(*pam_io.RuntimeContext, *cobra.Command, []string) error {
				panic("kaboom")
			},
			wantErr: "panic: kaboom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "test"}
			err := Wrap(tt.fn)(cmd, nil)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWrapInheritsCommandContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cmd := &cobra.Command{Use: "test"}
	cmd.SetContext(ctx)

	err := Wrap(func(rc *pam_io.RuntimeContext, _ *cobra.Command, _ []string) error {
		return rc.Ctx.Err()
	})(cmd, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCleanupsRunLIFO(t *testing.T) {
	var c Cleanups
	var order []string
	for _, name := range []string{"db", "hub", "mailer"} {
		c.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	require.Equal(t, 3, c.Len())

	require.NoError(t, c.Run(context.Background(), time.Second))
	assert.Equal(t, []string{"mailer", "hub", "db"}, order)
	assert.Equal(t, 0, c.Len())

	// A second run has nothing left to do.
	require.NoError(t, c.Run(context.Background(), time.Second))
	assert.Len(t, order, 3)
}

func TestCleanupsCollectErrors(t *testing.T) {
	var c Cleanups
	ran := false
	c.Register("first", func(context.Context) error { ran = true; return nil })
	c.Register("second", func(context.Context) error { return errors.New("second failed") })
	c.Register("third", func(context.Context) error { return errors.New("third failed") })

	err := c.Run(context.Background(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second failed")
	assert.Contains(t, err.Error(), "third failed")
	assert.True(t, ran)
}

func TestCleanupsRunAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var c Cleanups
	c.Register("db", func(ctx context.Context) error { return ctx.Err() })
	assert.NoError(t, c.Run(ctx, time.Second))
}

func TestCleanupsTimeout(t *testing.T) {
	var c Cleanups
	release := make(chan struct{})
	defer close(release)
	c.Register("stuck", func(context.Context) error {
		<-release
		return nil
	})

	err := c.Run(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
