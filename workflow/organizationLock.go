package workflow

import (
	"fmt"

	"bitbucket.org/carbonview/emissions_backend/utils"
	"gorm.io/gorm"
)

// AcquireOrganizationLock serializes a workflow scope per organization across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB that will do the transaction.
// A wait timeout surfaces as ErrorConcurrencyConflict: the caller lost the race and should re-fetch state.
func AcquireOrganizationLock(tx *gorm.DB, scope string, organizationId string) error {
	lockName := fmt.Sprintf("%s:%s", scope, organizationId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return utils.ErrorConcurrencyConflict
	}
	return nil
}

func ReleaseOrganizationLock(tx *gorm.DB, scope string, organizationId string) {
	lockName := fmt.Sprintf("%s:%s", scope, organizationId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
