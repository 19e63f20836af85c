package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "transcripts/abc.txt", TranscriptKey("abc"))
	assert.Equal(t, "reports/abc.json", ReportKey("abc"))
	assert.Equal(t, "reports/evil.json", ReportKey("../../evil"))
}

func TestPresignExpireDefault(t *testing.T) {
	assert.Equal(t, 15*time.Minute, (&S3{}).PresignExpire())
	assert.Equal(t, 5*time.Minute, (&S3{cfg: S3Config{PresignExpireMinutes: 5}}).PresignExpire())
}
