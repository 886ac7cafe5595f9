package telegraph

import (
	"github.com/golang/glog"
)

// Logging convention for Telegraph client components:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - connectivity losses and reconnect attempts
//     - dropped malformed frames
//     - suppressed handler panics
// V(2):
//     key events for trace debugging
//     this includes:
//     - connect/disconnect cycles with ids that can be used to filter
//     - frequent events - e.g. send, receive, dispatch

func Trace(tag string, c func()) {
	glog.V(2).Infof("[trace]start %s\n", tag)
	c()
	glog.V(2).Infof("[trace]end %s\n", tag)
}

func TraceWithReturn[R any](tag string, c func() R) R {
	glog.V(2).Infof("[trace]start %s\n", tag)
	r := c()
	glog.V(2).Infof("[trace]end %s\n", tag)
	return r
}
