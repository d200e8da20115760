package pipeline

import (
	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/models"
)

// VerifyArtifact reports whether the recorded file exists with the recorded hash
func VerifyArtifact(output models.RenderOutput) bool {
	if output.Path == "" || output.ContentHash == "" {
		return false
	}
	hash, size, err := common.HashFile(output.Path)
	if err != nil {
		return false
	}
	return hash == output.ContentHash && size == output.SizeBytes
}
