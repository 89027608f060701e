package coordinator

import (
	"sort"
	"time"

	"github.com/ChuLiYu/relaypool/internal/ipc"
	"github.com/ChuLiYu/relaypool/pkg/types"
)

// WorkerStatus is a point-in-time view of one handle.
type WorkerStatus struct {
	ID        types.WorkerID    `json:"id"`
	State     types.WorkerState `json:"state"`
	StartedAt time.Time         `json:"startedAt"`
	Attached  bool              `json:"attached"`
}

// handle 工作進程的控制記錄，只由事件循環讀寫
type handle struct {
	proc      Process
	state     types.WorkerState
	peer      *ipc.Peer // IPC 發送端；未連線或已斷線時為 nil
	startedAt time.Time
}

func (h *handle) status() WorkerStatus {
	return WorkerStatus{
		ID:        h.proc.ID(),
		State:     h.state,
		StartedAt: h.startedAt,
		Attached:  h.peer != nil,
	}
}

// handleTable 以進程 ID 索引的 handle 集合
type handleTable map[types.WorkerID]*handle

func (t handleTable) online() int {
	n := 0
	for _, h := range t {
		if h.state == types.StateOnline {
			n++
		}
	}
	return n
}

func (t handleTable) snapshot() []WorkerStatus {
	out := make([]WorkerStatus, 0, len(t))
	for _, h := range t {
		out = append(out, h.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
