package ocspstatus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCombine(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)

	testCases := map[string]struct {
		statuses []Status
		want     Status
	}{
		"all good": {
			statuses: []Status{Good, Good},
			want:     Good,
		},
		"one unknown": {
			statuses: []Status{Good, Unknown},
			want:     Unknown,
		},
		"revoked beats unknown": {
			statuses: []Status{Unknown, Revoked(now)},
			want:     Revoked(now),
		},
		"earliest revocation wins": {
			statuses: []Status{Revoked(now), Revoked(earlier)},
			want:     Revoked(earlier),
		},
		"empty is good": {
			statuses: nil,
			want:     Good,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Combine(tc.statuses))
		})
	}
}

func TestAcceptedBy(t *testing.T) {
	now := time.Now()

	testCases := map[string]struct {
		status  Status
		allowed []Status
		want    bool
	}{
		"good accepted by good": {
			status:  Good,
			allowed: []Status{Good},
			want:    true,
		},
		"revoked after allowed cutoff is accepted": {
			status:  Revoked(now),
			allowed: []Status{Revoked(now.Add(-time.Hour))},
			want:    true,
		},
		"revoked before allowed cutoff is rejected": {
			status:  Revoked(now.Add(-2 * time.Hour)),
			allowed: []Status{Revoked(now.Add(-time.Hour))},
			want:    false,
		},
		"mismatched value rejected": {
			status:  Unknown,
			allowed: []Status{Good},
			want:    false,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.status.AcceptedBy(tc.allowed))
		})
	}
}
