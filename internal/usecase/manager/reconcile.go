package manager

import (
	"sort"

	"doppel-ai/internal/domain"
)

// Desired is the target state derived from one provider snapshot.
type Desired struct {
	// Configs maps community ID to its governing configuration. Only
	// activated communities appear here.
	Configs map[string]domain.CommunityConfig
	// CredentialOf maps community ID to the credential whose connection
	// routes its messages.
	CredentialOf map[string]string
	// Monitored maps credential to its sorted monitored community set.
	Monitored map[string][]string
}

// Conflict records two configurations claiming the same community in one
// snapshot. The later one wins; the conflict is surfaced so callers can log
// it.
type Conflict struct {
	CommunityID string
	LoserUserID string
	WinnerUser  string
}

// Actions is the diff between live connections and the desired state.
type Actions struct {
	// OpenCredentials need a new platform connection.
	OpenCredentials []string
	// CloseCredentials have no configurations left; their connections are
	// torn down, cascading to their agents.
	CloseCredentials []string
	// Conflicts were resolved last-write-wins during the pass.
	Conflicts []Conflict
}

// Reconcile diffs the set of live credentials against a provider snapshot.
// Pure: no locks, no timers, no I/O — the Manager applies the result.
func Reconcile(liveCredentials map[string]bool, snapshot []domain.CredentialConfigs) (Desired, Actions) {
	desired := Desired{
		Configs:      make(map[string]domain.CommunityConfig),
		CredentialOf: make(map[string]string),
		Monitored:    make(map[string][]string),
	}
	var actions Actions

	seen := make(map[string]bool, len(snapshot))
	for _, row := range snapshot {
		if row.Credential == "" {
			continue
		}
		seen[row.Credential] = true
		if !liveCredentials[row.Credential] {
			actions.OpenCredentials = append(actions.OpenCredentials, row.Credential)
		}

		for _, cfg := range row.Communities {
			if !cfg.BotActive {
				continue
			}
			if prev, dup := desired.Configs[cfg.CommunityID]; dup {
				actions.Conflicts = append(actions.Conflicts, Conflict{
					CommunityID: cfg.CommunityID,
					LoserUserID: prev.UserID,
					WinnerUser:  cfg.UserID,
				})
			}
			// Last write wins, including the owning credential.
			desired.Configs[cfg.CommunityID] = cfg
			desired.CredentialOf[cfg.CommunityID] = row.Credential
		}
	}

	for credential := range liveCredentials {
		if !seen[credential] {
			actions.CloseCredentials = append(actions.CloseCredentials, credential)
		}
	}

	for communityID, credential := range desired.CredentialOf {
		desired.Monitored[credential] = append(desired.Monitored[credential], communityID)
	}
	for credential := range desired.Monitored {
		sort.Strings(desired.Monitored[credential])
	}
	sort.Strings(actions.OpenCredentials)
	sort.Strings(actions.CloseCredentials)

	return desired, actions
}
