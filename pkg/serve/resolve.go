package serve

import (
	"strings"

	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
	"github.com/oy-ilho/jupyterlab-codex/pkg/session"
)

// Session resolutions reported in start_session replies.
const (
	ResolutionClient            = "client"
	ResolutionMapping           = "mapping"
	ResolutionMappingOnMismatch = "mapping-on-mismatch"
	ResolutionNew               = "new"
	ResolutionNewOnMismatch     = "new-on-mismatch"
	ResolutionForceNew          = "force-new"
)

// MismatchNotice is shown when the client's session belongs to another notebook.
const MismatchNotice = "Thread mismatch detected. Switched to a notebook-matched thread to avoid context loss."

// resolution is the session chosen for a start_session request.
type resolution struct {
	SessionID string
	Kind      string
	Notice    string
}

// resolveSession picks the session a notebook should continue. A client id
// that belongs to a different notebook is replaced by the notebook's own
// latest session, or by a fresh one.
func resolveSession(store *session.Store, clientID, notebookPath, osPath string, forceNew bool, newID func() string) resolution {
	clientID = strings.TrimSpace(clientID)
	mapped, hasMapped := store.ResolveForNotebook(notebookPath, osPath)

	if forceNew {
		if hasMapped && mapped != clientID {
			if err := store.Delete(mapped); err != nil {
				codexlog.Warn("failed to delete replaced session", "session_id", mapped, "error", err)
			}
		}
		if clientID == "" {
			return resolution{SessionID: newID(), Kind: ResolutionNew}
		}
		return resolution{SessionID: clientID, Kind: ResolutionForceNew}
	}

	if clientID != "" {
		if store.MatchesNotebook(clientID, notebookPath, osPath) {
			return resolution{SessionID: clientID, Kind: ResolutionClient}
		}
		if hasMapped && mapped != clientID {
			return resolution{SessionID: mapped, Kind: ResolutionMappingOnMismatch, Notice: MismatchNotice}
		}
		return resolution{SessionID: newID(), Kind: ResolutionNewOnMismatch, Notice: MismatchNotice}
	}

	if hasMapped {
		return resolution{SessionID: mapped, Kind: ResolutionMapping}
	}
	return resolution{SessionID: newID(), Kind: ResolutionNew}
}
