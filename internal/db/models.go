package db

// Timestamps are stored as Unix nanoseconds. Integer columns compare
// monotonically, which the conditional-update guards depend on; driver
// text renderings of time.Time do not.

// JobDigest is the short, hot row for a job. JobID is allocated by SQLite's
// autoincrement, making id generation conflict-free under the single-writer
// model. ModifiedTime is the conflict token every conditional update guards
// on, so it must advance on every transition.
type JobDigest struct {
	JobID                 uint32 `gorm:"column:job_id;primaryKey;autoIncrement"`
	CreatedTime           int64  `gorm:"not null;index"`
	ModifiedTime          int64  `gorm:"not null;index"`
	Status                string `gorm:"not null"`
	CurrentWorkerHostname string `gorm:"not null;default:''"`
	CurrentWorker         int    `gorm:"not null;default:0"`
}

// JobStage holds one stage's argument and, after completion, its result.
// Stages for a job form a contiguous zero-based sequence. The blobs are
// opaque JSON owned by the stage's worker type.
type JobStage struct {
	JobID          uint32  `gorm:"column:job_id;primaryKey;autoIncrement:false"`
	StageIndex     int     `gorm:"primaryKey;autoIncrement:false"`
	WorkerType     string  `gorm:"not null"`
	WorkerArgument string  `gorm:"type:text;not null"`
	WorkerResult   *string `gorm:"type:text"`
}

// JobTag is a (jobId, key) → value triple; the pair is unique, so tag
// writes are delete-then-insert upserts.
type JobTag struct {
	JobID    uint32 `gorm:"column:job_id;primaryKey;autoIncrement:false;index"`
	TagKey   string `gorm:"primaryKey;index"`
	TagValue string `gorm:"not null"`
}

// JobLog is an append-only log line emitted by a stage. ID exists only to
// give GORM a primary key; ordering and retrieval use TimeStamp and JobID.
type JobLog struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	TimeStamp      int64  `gorm:"not null;index"`
	JobID          uint32 `gorm:"column:job_id;not null;index"`
	WorkerType     string `gorm:"not null"`
	WorkerHostname string `gorm:"not null"`
	Content        string `gorm:"type:text;not null"`
}

// SystemLog is an append-only fleet-level log line.
type SystemLog struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	TimeStamp      int64  `gorm:"not null;index"`
	WorkerType     string `gorm:"not null"`
	WorkerHostname string `gorm:"not null"`
	Content        string `gorm:"type:text;not null"`
}
