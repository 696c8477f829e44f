package registry

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/wingterm/termd/internal/session"
	"github.com/wingterm/termd/internal/store"
)

// metadataFile mirrors session.Snapshot, with JSON tags matching §6's
// "Persisted terminated-session metadata format".
type metadataFile struct {
	ID            string                 `json:"id"`
	OwnerID       string                 `json:"owner_id"`
	Visibility    session.Visibility     `json:"visibility"`
	CreatedAt     int64                  `json:"created_at_ms"`
	EndedAt       int64                  `json:"ended_at_ms"`
	ExitCode      int                    `json:"exit_code"`
	Title         string                 `json:"title"`
	ActivityState session.ActivityState  `json:"activity_state"`
	Size          session.TerminalSize   `json:"size"`
	HistoryBytes  int64                  `json:"history_bytes"`
	InputMarkers   []session.InputMarker  `json:"input_markers"`
	RenderMarkers  []session.RenderMarker `json:"render_markers"`
	RenderedConfig string                 `json:"rendered_config,omitempty"`

	StopInputs               []session.StopInput `json:"stop_inputs,omitempty"`
	StopInputsEnabled        bool                `json:"stop_inputs_enabled"`
	StopInputsRearmRemaining int                 `json:"stop_inputs_rearm_remaining"`
}

// persist writes the terminated session's metadata JSON and plain-text
// history log to disk, then indexes both paths into sqlite so the registry
// can list past sessions without scanning the directory.
func (r *Registry) persist(e *sessionEntry) error {
	snap := e.sup.Snapshot()

	var renderedConfig string
	if cfgYAML, err := snap.Isolation.RenderProfile(); err == nil {
		renderedConfig = string(cfgYAML)
	}

	meta := metadataFile{
		ID:            snap.ID,
		OwnerID:       snap.OwnerID,
		Visibility:    snap.Visibility,
		CreatedAt:     snap.CreatedAt.UnixMilli(),
		EndedAt:       snap.EndedAt.UnixMilli(),
		ExitCode:      snap.ExitCode,
		Title:         snap.Title,
		ActivityState: snap.ActivityState,
		Size:          snap.Size,
		HistoryBytes:  snap.HistoryLen,
		InputMarkers:   snap.InputMarkers,
		RenderMarkers:  snap.RenderMarkers,
		RenderedConfig: renderedConfig,

		StopInputs:               snap.StopInputs,
		StopInputsEnabled:        snap.StopInputsEnabled,
		StopInputsRearmRemaining: snap.StopInputsRearmRemaining,
	}

	if err := os.MkdirAll(r.sessionsDir, 0755); err != nil {
		return err
	}

	metaPath := filepath.Join(r.sessionsDir, snap.ID+".json")
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(metaPath, data, 0644); err != nil {
		return err
	}

	logPath := filepath.Join(r.sessionsDir, snap.ID+".log")
	history := e.sup.History().Slice(0, -1)
	if err := os.WriteFile(logPath, history, 0644); err != nil {
		return err
	}

	if r.store == nil {
		return nil
	}
	return r.store.InsertSession(store.SessionRecord{
		ID:           snap.ID,
		Alias:        e.alias,
		OwnerID:      snap.OwnerID,
		Visibility:   string(snap.Visibility),
		CreatedAtMS:  snap.CreatedAt.UnixMilli(),
		EndedAtMS:    snap.EndedAt.UnixMilli(),
		ExitCode:     snap.ExitCode,
		Title:        snap.Title,
		MetadataPath: metaPath,
		LogPath:      logPath,
	})
}
