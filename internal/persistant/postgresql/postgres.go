package postgresql

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Initialize initializes the db session, auto migrates given models and
// applies any raw DDL statements auto-migration cannot express (partial
// indexes and the like).
func Initialize(connStr string, models []any, rawDDL ...string) (db *gorm.DB, err error) {
	retryTicker := time.NewTicker(time.Second * 2)
	defer retryTicker.Stop()

	// retry connect
	for range 5 {
		db, err = gorm.Open(postgres.Open(connStr), &gorm.Config{})
		if err == nil {
			break
		}
		<-retryTicker.C
	}
	if err != nil {
		return
	}

	sqlDb, err := db.DB()
	if err != nil {
		return
	}
	// the webhook path and the worker pool share this pool
	sqlDb.SetMaxOpenConns(25)
	sqlDb.SetMaxIdleConns(5)
	sqlDb.SetConnMaxLifetime(time.Hour)

	if err = db.AutoMigrate(models...); err != nil {
		return
	}

	for _, ddl := range rawDDL {
		if err = db.Exec(ddl).Error; err != nil {
			return
		}
	}

	return
}

func Close(db *gorm.DB) error {
	sqlDb, err := db.DB()
	if err != nil {
		return err
	}

	return sqlDb.Close()
}
