package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doppel-ai/internal/domain"
)

func active(community, user string) domain.CommunityConfig {
	return domain.CommunityConfig{CommunityID: community, BotActive: true, UserID: user}
}

func TestReconcileOpensAndCloses(t *testing.T) {
	live := map[string]bool{"cred-a": true}
	snapshot := []domain.CredentialConfigs{
		{Credential: "cred-b", Communities: []domain.CommunityConfig{active("g1", "u1")}},
	}

	_, actions := Reconcile(live, snapshot)

	assert.Equal(t, []string{"cred-b"}, actions.OpenCredentials)
	assert.Equal(t, []string{"cred-a"}, actions.CloseCredentials)
}

func TestReconcileSharedCredential(t *testing.T) {
	// Three communities sharing one credential map to a single connection
	// monitoring all three.
	snapshot := []domain.CredentialConfigs{
		{Credential: "cred-k", Communities: []domain.CommunityConfig{
			active("z", "u1"), active("x", "u1"), active("y", "u1"),
		}},
	}

	desired, actions := Reconcile(nil, snapshot)

	require.Equal(t, []string{"cred-k"}, actions.OpenCredentials)
	assert.Equal(t, []string{"x", "y", "z"}, desired.Monitored["cred-k"])
	for _, id := range []string{"x", "y", "z"} {
		assert.Equal(t, "cred-k", desired.CredentialOf[id])
	}
}

func TestReconcileDeactivationShrinksMonitoredSet(t *testing.T) {
	live := map[string]bool{"cred-k": true}
	snapshot := []domain.CredentialConfigs{
		{Credential: "cred-k", Communities: []domain.CommunityConfig{
			active("x", "u1"),
			{CommunityID: "y", BotActive: false, UserID: "u1"},
			active("z", "u1"),
		}},
	}

	desired, actions := Reconcile(live, snapshot)

	assert.Empty(t, actions.OpenCredentials)
	assert.Empty(t, actions.CloseCredentials)
	assert.Equal(t, []string{"x", "z"}, desired.Monitored["cred-k"])
	assert.NotContains(t, desired.Configs, "y")
}

func TestReconcileConflictLastWriteWins(t *testing.T) {
	snapshot := []domain.CredentialConfigs{
		{Credential: "cred-a", Communities: []domain.CommunityConfig{active("g1", "alice")}},
		{Credential: "cred-b", Communities: []domain.CommunityConfig{active("g1", "bob")}},
	}

	desired, actions := Reconcile(nil, snapshot)

	require.Len(t, actions.Conflicts, 1)
	assert.Equal(t, Conflict{CommunityID: "g1", LoserUserID: "alice", WinnerUser: "bob"}, actions.Conflicts[0])
	assert.Equal(t, "bob", desired.Configs["g1"].UserID)
	assert.Equal(t, "cred-b", desired.CredentialOf["g1"])
	assert.Empty(t, desired.Monitored["cred-a"])
}

func TestReconcileEmptySnapshotClosesEverything(t *testing.T) {
	live := map[string]bool{"cred-a": true, "cred-b": true}

	desired, actions := Reconcile(live, nil)

	assert.Equal(t, []string{"cred-a", "cred-b"}, actions.CloseCredentials)
	assert.Empty(t, desired.Configs)
}
