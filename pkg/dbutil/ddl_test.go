package dbutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateGeneratedAlterAcceptsAddColumn(t *testing.T) {
	err := ValidateGeneratedAlter("ALTER TABLE `new_orders` ADD COLUMN `region` varchar(64)")
	assert.NoError(t, err)
}

func TestValidateGeneratedAlterAcceptsAddIndex(t *testing.T) {
	err := ValidateGeneratedAlter("ALTER TABLE `new_orders` ADD INDEX `idx_updated_at` (`updated_at`)")
	assert.NoError(t, err)
}

func TestValidateGeneratedAlterRejectsDrop(t *testing.T) {
	err := ValidateGeneratedAlter("ALTER TABLE `new_orders` DROP COLUMN `region`")
	assert.Error(t, err)
}

func TestValidateGeneratedAlterRejectsMultipleStatements(t *testing.T) {
	err := ValidateGeneratedAlter("ALTER TABLE `a` ADD COLUMN `x` int; ALTER TABLE `b` ADD COLUMN `y` int")
	assert.Error(t, err)
}

func TestValidateGeneratedAlterRejectsNonAlter(t *testing.T) {
	err := ValidateGeneratedAlter("SELECT 1")
	assert.Error(t, err)
}
