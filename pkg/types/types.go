// Package types 定義了 relaypool 系統中使用的核心領域模型
package types

import (
	"strconv"
	"time"
)

// WorkerID 工作進程識別碼（作業系統 PID，在進程生命週期內穩定）
type WorkerID int

// String renders the id the way it appears in logs.
func (id WorkerID) String() string {
	return strconv.Itoa(int(id))
}

// MessageKind IPC 訊息種類
type MessageKind string

// 定義 IPC 訊息種類常數
const (
	KindBroadcast      MessageKind = "broadcast"       // worker → primary：請求廣播
	KindBroadcastRelay MessageKind = "broadcast-relay" // primary → worker：轉發的廣播
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindBroadcast, KindBroadcastRelay:
		return true
	default:
		return false
	}
}

// WorkerState 工作進程狀態
type WorkerState string

// 定義工作進程狀態常數
const (
	StateStarting WorkerState = "starting" // 已啟動進程，尚未建立 IPC 連線
	StateOnline   WorkerState = "online"   // IPC 連線已建立
	StateExited   WorkerState = "exited"   // 進程已結束
)

// BroadcastMessage 在 IPC 通道上傳輸的廣播訊息，建立後不可變
type BroadcastMessage struct {
	Kind      MessageKind `json:"kind"`
	FromID    WorkerID    `json:"fromId"`
	Payload   string      `json:"payload"`
	Timestamp int64       `json:"timestamp"` // Unix 毫秒，由 primary 在轉發時設定
}

// NewBroadcast builds the worker→primary request. The timestamp is left
// zero; the primary stamps it at relay time.
func NewBroadcast(from WorkerID, payload string) BroadcastMessage {
	return BroadcastMessage{
		Kind:    KindBroadcast,
		FromID:  from,
		Payload: payload,
	}
}

// Relay builds the primary→worker message for m, stamped with now.
func (m BroadcastMessage) Relay(now time.Time) BroadcastMessage {
	return BroadcastMessage{
		Kind:      KindBroadcastRelay,
		FromID:    m.FromID,
		Payload:   m.Payload,
		Timestamp: now.UnixMilli(),
	}
}

// ReceivedMessage 工作進程環形緩衝區中的一筆紀錄
type ReceivedMessage struct {
	From       WorkerID `json:"from"`
	Data       string   `json:"data"`
	Timestamp  int64    `json:"timestamp"`  // 轉發時間（Unix 毫秒）
	ReceivedAt int64    `json:"receivedAt"` // 本進程收到時間（Unix 毫秒）
}

// ExitStatus 描述工作進程如何結束
type ExitStatus struct {
	Code   int    `json:"code"`             // 結束碼；被訊號終止時為 -1
	Signal string `json:"signal,omitempty"` // 終止訊號名稱（若有）
}

// Crashed reports whether the exit was anything other than a clean zero exit.
func (s ExitStatus) Crashed() bool {
	return s.Code != 0 || s.Signal != ""
}
