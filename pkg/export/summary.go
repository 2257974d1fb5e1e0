package export

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/astridyu/khinsider-scraper/pkg/models"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

// WriteSummary writes the run summary as YAML to path
func WriteSummary(path string, summary models.RunSummary) error {
	yamlData, err := yaml.Marshal(&summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary to YAML: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: creating directory for run summary '%s': %w", utils.ErrFilesystem, path, err)
	}
	if err := os.WriteFile(path, yamlData, 0644); err != nil {
		return fmt.Errorf("%w: failed to write run summary '%s': %w", utils.ErrFilesystem, path, err)
	}
	return nil
}

// ReadSummary loads a run summary written by WriteSummary
func ReadSummary(path string) (models.RunSummary, error) {
	var summary models.RunSummary
	data, err := os.ReadFile(path)
	if err != nil {
		return summary, fmt.Errorf("%w: reading run summary '%s': %w", utils.ErrFilesystem, path, err)
	}
	if err := yaml.Unmarshal(data, &summary); err != nil {
		return summary, fmt.Errorf("%w: run summary '%s': %w", utils.ErrParsing, path, err)
	}
	return summary, nil
}
