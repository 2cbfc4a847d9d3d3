package params

import (
	"os"
	"time"
)

// IoConfig specifies the filesystem parameters used when questline writes
// files to disk.
type IoConfig struct {
	ReadWritePermissions        os.FileMode
	ReadWriteExecutePermissions os.FileMode
	BoltTimeout                 time.Duration
}

var defaultIoConfig = &IoConfig{
	ReadWritePermissions:        0600, // -rw------- Read and Write permissions for user.
	ReadWriteExecutePermissions: 0700, // -rwx------ Read Write and Execute (traverse) permissions for user.
	BoltTimeout:                 1 * time.Second,
}

// QuestlineIoConfig returns the current io config for the engine.
func QuestlineIoConfig() *IoConfig {
	return defaultIoConfig
}
