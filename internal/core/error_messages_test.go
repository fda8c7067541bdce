package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/JonMunkholm/esgregister/internal/database"
	"github.com/JonMunkholm/esgregister/internal/register"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
	}{
		{
			name:        "nil error returns empty",
			err:         nil,
			wantCode:    "",
			wantMessage: "",
		},
		{
			name:        "wrapped duplicate report",
			err:         fmt.Errorf("upload: %w", ErrDuplicateReport),
			wantCode:    "RPT001",
			wantMessage: "A report already exists for this entity and year",
		},
		{
			name:        "unique violation from the store",
			err:         fmt.Errorf("create report: %w", database.ErrUniqueViolation),
			wantCode:    "RPT001",
			wantMessage: "A report already exists for this entity and year",
		},
		{
			name:        "quota",
			err:         ErrQuotaExceeded,
			wantCode:    "RPT002",
			wantMessage: "You have reached the maximum number of reports",
		},
		{
			name:        "rebuild locked",
			err:         fmt.Errorf("rebuild: %w", register.ErrLocked),
			wantCode:    "REG001",
			wantMessage: "A register rebuild is already running",
		},
		{
			name:        "connection refused maps correctly",
			err:         errors.New("dial tcp: connection refused"),
			wantCode:    "DB004",
			wantMessage: "Unable to connect to database",
		},
		{
			name:        "deadline before generic timeout",
			err:         errors.New("context deadline exceeded (timeout)"),
			wantCode:    "UPL005",
			wantMessage: "Request timed out",
		},
		{
			name:        "case insensitive matching",
			err:         errors.New("read: CONNECTION RESET by peer"),
			wantCode:    "DB005",
			wantMessage: "Database connection was interrupted",
		},
		{
			name:        "unknown error returns default",
			err:         errors.New("some random internal error"),
			wantCode:    "ERR000",
			wantMessage: "An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("MapError() message = %q, want %q", got.Message, tt.wantMessage)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	result := FormatUserError(ErrFileTooLarge)

	expected := "File exceeds the maximum upload size (Code: FILE001). Upload a smaller package"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error is not user facing",
			err:  nil,
			want: false,
		},
		{
			name: "known error is user facing",
			err:  fmt.Errorf("get: %w", ErrReportNotFound),
			want: true,
		},
		{
			name: "unknown error is not user facing",
			err:  errors.New("random internal error xyz"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsUserFacing(tt.err)
			if got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}
