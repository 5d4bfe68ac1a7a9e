package cli

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ahagelberg/Terminalis-sub001/internal/conn"
	"github.com/ahagelberg/Terminalis-sub001/internal/store"
)

func TestUsageErrorCarriesExitCode(t *testing.T) {
	t.Parallel()

	err := usageErrorf("expected %d arguments", 1)
	require.EqualError(t, err, "expected 1 arguments")

	var withExit interface{ ExitCode() int }
	require.ErrorAs(t, err, &withExit)
	require.Equal(t, ExitCodeUsage, withExit.ExitCode())
}

func TestMapCommandError(t *testing.T) {
	t.Parallel()

	connErr := func(category conn.Category) error {
		return &conn.ConnError{Category: category, Host: "h", Port: 22, Err: errors.New("boom")}
	}

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"session not found", fmt.Errorf("lookup: %w", store.ErrNotFound), ExitCodeNotFound},
		{"missing file", fmt.Errorf("open: %w", os.ErrNotExist), ExitCodeIO},
		{"invalid config", connErr(conn.CategoryConfigurationInvalid), ExitCodeUsage},
		{"auth failed", connErr(conn.CategoryAuthenticationFailed), ExitCodeAuthFailed},
		{"host key rejected", connErr(conn.CategoryHostKeyRejected), ExitCodePermission},
		{"key file missing", connErr(conn.CategoryKeyFileNotFound), ExitCodeIO},
		{"tool unavailable", connErr(conn.CategoryToolUnavailable), ExitCodeDependencyMissing},
		{"handshake timeout", connErr(conn.CategoryHandshakeTimeout), ExitCodeGeneric},
		{"plain error", errors.New("boom"), ExitCodeGeneric},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mapped := mapCommandError(tc.err)
			var withExit interface{ ExitCode() int }
			require.ErrorAs(t, mapped, &withExit)
			require.Equal(t, tc.code, withExit.ExitCode())
			require.ErrorIs(t, mapped, tc.err, "the original error must stay reachable")
		})
	}

	require.NoError(t, mapCommandError(nil))
}

func TestMapCommandErrorKeepsExistingCode(t *testing.T) {
	t.Parallel()

	err := &ExitError{Code: ExitCodeNotFound, Err: errors.New("gone")}
	mapped := mapCommandError(err)
	var withExit interface{ ExitCode() int }
	require.ErrorAs(t, mapped, &withExit)
	require.Equal(t, ExitCodeNotFound, withExit.ExitCode())
}

func TestBadArgumentsReportUsageExitCode(t *testing.T) {
	t.Setenv("TERMINALIS_HOME", t.TempDir())

	for _, args := range [][]string{
		{"connect"},
		{"session", "add"},
		{"session", "rm"},
		{"hosts", "rm"},
		{"hosts", "rm", "no-port-here"},
	} {
		_, err := runCommand(t, args...)
		require.Error(t, err)
		var withExit interface{ ExitCode() int }
		require.ErrorAs(t, err, &withExit, "args %v", args)
		require.Equal(t, ExitCodeUsage, withExit.ExitCode(), "args %v", args)
	}
}
