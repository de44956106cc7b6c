package worker

// State 是 worker 生命周期状态。
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Controlling 表示该状态下 worker 是否拦截请求。
func (s State) Controlling() bool {
	return s == StateActivated
}
