package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSetLevelFallsBackToInfoOnGarbage(t *testing.T) {
	SetLevel("not-a-level")
	assert.Equal(t, logrus.InfoLevel, Root.GetLevel())
}

func TestSetLevelAppliesKnownLevel(t *testing.T) {
	SetLevel("debug")
	assert.Equal(t, logrus.DebugLevel, Root.GetLevel())
}

func TestWithComponentTagsField(t *testing.T) {
	entry := WithComponent("scheduler")
	assert.Equal(t, "scheduler", entry.Data["component"])
}
