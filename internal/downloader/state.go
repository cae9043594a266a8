package downloader

// State 下载器所处的阶段
//
//	Created → Validated → SizeProbed → Preallocated → Fetching → Joined → Done|Failed
type State int

const (
	StateCreated State = iota
	StateValidated
	StateSizeProbed
	StatePreallocated
	StateFetching
	StateJoined
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateCreated:      "created",
	StateValidated:    "validated",
	StateSizeProbed:   "size_probed",
	StatePreallocated: "preallocated",
	StateFetching:     "fetching",
	StateJoined:       "joined",
	StateDone:         "done",
	StateFailed:       "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal 表示下载已经结束
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
