package prof

// Profile names a runtime/pprof profile.
type Profile string

// Profiles understood by [Write] and [WriteTo]. [ProfileCPU] is only
// available through [StartCPU].
const (
	ProfileCPU       Profile = "cpu"
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

func (p Profile) String() string {
	return string(p)
}
