package streams

// Status entry 生命周期状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusAnalyzing  Status = "analyzing"
	StatusOk         Status = "ok"
	StatusEncrypted  Status = "encrypted"
	StatusBlocked    Status = "blocked"
	StatusNoSegments Status = "no_segments"
	StatusError      Status = "error"
)

// Terminal 终态不可再迁移
func (s Status) Terminal() bool {
	switch s {
	case StatusOk, StatusEncrypted, StatusBlocked, StatusNoSegments, StatusError:
		return true
	}
	return false
}

// CanTransition 状态机：
//
//	pending   -> analyzing | encrypted
//	analyzing -> ok | encrypted | blocked | no_segments | error
//
// pending -> encrypted 来自同源 .key 请求的旁路标记。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusAnalyzing || to == StatusEncrypted
	case StatusAnalyzing:
		return to.Terminal()
	}
	return false
}
