package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stoker/internal/events"
)

// WorkerState tracks a single worker slot, reconstructed from the event stream.
type WorkerState struct {
	ID         int
	Ready      bool
	Pending    int
	Dispatched int
	Completed  int
	Failed     int
	LastTopic  string
	LastTaskID string
	LastSeen   time.Time
}

func newWorkerTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Worker", Width: 8},
			{Title: "Pending", Width: 8},
			{Title: "Done", Width: 6},
			{Title: "Failed", Width: 6},
			{Title: "Last Topic", Width: 16},
			{Title: "Last Task", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return t
}

// updateWorkerState processes a pool event and updates the worker slots.
func updateWorkerState(workers map[int]*WorkerState, e events.Event) {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	id, ok := workerID(data)
	if !ok {
		return
	}

	w, exists := workers[id]
	if !exists {
		w = &WorkerState{ID: id}
		workers[id] = w
	}
	w.LastSeen = time.Now()

	switch e.Type {
	case events.TypeWorkerReady:
		w.Ready = true
	case events.TypeTaskDispatched:
		w.Pending++
		w.Dispatched++
		if topic, ok := data["topic"].(string); ok {
			w.LastTopic = topic
		}
		if taskID, ok := data["task_id"].(string); ok {
			w.LastTaskID = taskID
		}
	case events.TypeTaskCompleted, events.TypeTaskFailed:
		if w.Pending > 0 {
			w.Pending--
		}
		if e.Type == events.TypeTaskCompleted {
			w.Completed++
		} else {
			w.Failed++
		}
		if taskID, ok := data["task_id"].(string); ok {
			w.LastTaskID = taskID
		}
	}
}

func workerID(data map[string]any) (int, bool) {
	v, ok := data["worker_id"].(float64)
	if !ok {
		return 0, false
	}
	return int(v), true
}

func workerRows(workers map[int]*WorkerState, total int, theme Theme) []table.Row {
	rows := make([]table.Row, 0, total)
	for id := 0; id < total || workers[id] != nil; id++ {
		w, ok := workers[id]
		if !ok {
			w = &WorkerState{ID: id}
		}

		statusSym := theme.StatusQueued.Render("○")
		switch {
		case w.Ready && w.Pending > 0:
			statusSym = theme.StatusRunning.Render("◉")
		case w.Ready:
			statusSym = theme.StatusOK.Render("●")
		}

		taskID := w.LastTaskID
		if len(taskID) > 8 {
			taskID = taskID[:8]
		}

		rows = append(rows, table.Row{
			statusSym,
			fmt.Sprintf("w%d", w.ID),
			fmt.Sprintf("%d", w.Pending),
			fmt.Sprintf("%d", w.Completed),
			fmt.Sprintf("%d", w.Failed),
			w.LastTopic,
			taskID,
		})
	}
	return rows
}
