package auditlog

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/io/file"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const backupsDirectoryName = "backups"

// Backup the database to the datadir backup directory.
// Example for backup: $DATADIR/backups/questline_auditlog_10291092.backup
func (s *Store) Backup(ctx context.Context, outputDir string, permissionOverride bool) error {
	var backupsDir string
	var err error
	if outputDir != "" {
		backupsDir, err = file.ExpandPath(outputDir)
		if err != nil {
			return err
		}
	} else {
		backupsDir = path.Join(s.databasePath, backupsDirectoryName)
	}
	// Ensure the backups directory exists.
	if err := file.MkdirAll(backupsDir); err != nil {
		return err
	}
	backupPath := path.Join(backupsDir, fmt.Sprintf("questline_auditlog_%d.backup", time.Now().Unix()))
	logrus.WithField("prefix", "auditlog").WithField("backup", backupPath).Info("Writing backup database")

	// The backup is owner-only unless the operator asks for group access,
	// e.g. for a sidecar uploader running as another user.
	permission := params.QuestlineIoConfig().ReadWritePermissions
	if permissionOverride {
		permission = os.FileMode(0640)
	}
	copyDB, err := bolt.Open(backupPath, permission, &bolt.Options{Timeout: params.QuestlineIoConfig().BoltTimeout})
	if err != nil {
		return err
	}
	defer func() {
		if err := copyDB.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close backup database")
		}
	}()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			return copyDB.Update(func(tx2 *bolt.Tx) error {
				b2, err := tx2.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				return b.ForEach(b2.Put)
			})
		})
	})
	if err != nil {
		return err
	}
	if info, statErr := os.Stat(backupPath); statErr == nil {
		logrus.WithField("prefix", "auditlog").WithField("size", humanize.Bytes(uint64(info.Size()))).Info("Backup completed")
	}
	return nil
}
