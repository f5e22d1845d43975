package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func Test_isUniqueViolation(t *testing.T) {
	tcases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "postgres unique violation", err: &pq.Error{Code: "23505"}, want: true},
		{name: "wrapped postgres unique violation", err: fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), want: true},
		{name: "postgres foreign key violation", err: &pq.Error{Code: "23503"}},
		{name: "other error", err: errors.New("boom")},
		{name: "nil", err: nil},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isUniqueViolation(tc.err))
		})
	}
}
