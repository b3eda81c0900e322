package service_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tvnlabs/chanvisor/internal/service"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		then     string
	}{
		{"valid_5_fields", "*/15 * * * *", ""},
		{"macro_hourly", "@hourly", ""},
		{"macro_every", "@every 5m", ""},
		{"invalid_field_count_4", "* * * *", "expected exactly 5 fields"},
		{"invalid_field_count_6", "0 */2 * * * *", "expected exactly 5 fields"},
		{"invalid_token", "* * 32 * *", "above maximum (31)"},
		{"invalid_macro", "@fortnightly", "unrecognized descriptor"},
		{"empty", "  ", "empty cron expression"},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			err := service.ParseCron(tc.given)
			if tc.then != "" {
				require.ErrorContains(t, err, tc.then)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
