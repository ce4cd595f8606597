package connectivity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestProfilesSortedByPriority:
// profile iteration order is deterministic and follows Priority.
func TestProfilesSortedByPriority(t *testing.T) {
	m := New([]Profile{
		{Slot: 3, Priority: 30, URL: "wss://c", SecurityProfile: 2},
		{Slot: 1, Priority: 10, URL: "wss://a", SecurityProfile: 2},
		{Slot: 2, Priority: 20, URL: "wss://b", SecurityProfile: 2},
	}, "ocpp1.6", 1, Callbacks{})

	require.Len(t, m.profiles, 3)
	require.Equal(t, 1, m.profiles[0].Slot)
	require.Equal(t, 2, m.profiles[1].Slot)
	require.Equal(t, 3, m.profiles[2].Slot)
}

// TestPurgeBelowMinimumSecurityProfile covers the
// cleanup-on-rollback: profiles below the configured minimum never
// reach TLS handoff.
func TestPurgeBelowMinimumSecurityProfile(t *testing.T) {
	m := New([]Profile{
		{Slot: 1, Priority: 1, URL: "ws://insecure", SecurityProfile: 1},
		{Slot: 2, Priority: 2, URL: "wss://secure", SecurityProfile: 3},
	}, "ocpp2.0.1", 2, Callbacks{})

	require.Len(t, m.profiles, 1)
	require.Equal(t, 2, m.profiles[0].Slot)
}

// TestSwitchProfileRefusesRollbackAfterFreeze covers the invariant that a
// successful connection at >= the configured minimum freezes the
// session against further rollback.
func TestSwitchProfileRefusesRollbackAfterFreeze(t *testing.T) {
	m := New([]Profile{
		{Slot: 1, Priority: 1, URL: "wss://a", SecurityProfile: 2},
		{Slot: 2, Priority: 2, URL: "wss://b", SecurityProfile: 2},
	}, "ocpp2.0.1", 2, Callbacks{})
	m.frozen = true

	err := m.SwitchProfile(nil, 99)
	require.Error(t, err, "unknown slot must error regardless of freeze")

	// A profile below the minimum, planted directly because New purges
	// such profiles, is refused once the session is frozen.
	m.profiles = append(m.profiles, Profile{Slot: 3, Priority: 3, URL: "ws://legacy", SecurityProfile: 1})
	err = m.SwitchProfile(nil, 3)
	require.Error(t, err)
	require.Contains(t, err.Error(), "below frozen minimum")
}
