// Package contracts loads report contracts and their templates.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/interfaces"
	"github.com/ternarybob/neurareport/internal/models"
)

// contractExtensions are tried in this order for <templateId>.<ext>
var contractExtensions = []string{".toml", ".yaml", ".yml"}

type cachedContract struct {
	contract *models.Contract
	path     string
	modTime  time.Time
}

// FileProvider reads contracts from a directory. A contract file is named after
// its template id and points at an HTML template next to it. Parsed contracts
// are cached until the file changes.
type FileProvider struct {
	dir      string
	validate *validator.Validate
	logger   arbor.ILogger

	mu    sync.RWMutex
	cache map[string]cachedContract
}

var _ interfaces.ContractProvider = (*FileProvider)(nil)

func NewFileProvider(dir string, logger arbor.ILogger) *FileProvider {
	return &FileProvider{
		dir:      dir,
		validate: validator.New(),
		logger:   logger,
		cache:    make(map[string]cachedContract),
	}
}

// Get returns the validated contract for a template
func (p *FileProvider) Get(_ context.Context, templateID string) (*models.Contract, error) {
	path, info, err := p.locate(templateID)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	cached, ok := p.cache[templateID]
	p.mu.RUnlock()
	if ok && cached.path == path && cached.modTime.Equal(info.ModTime()) {
		return cached.contract, nil
	}

	contract, err := p.load(path)
	if err != nil {
		return nil, err
	}
	if contract.TemplateID != templateID {
		return nil, fmt.Errorf("%w: %s declares template %q", models.ErrInvalidContract, filepath.Base(path), contract.TemplateID)
	}

	p.mu.Lock()
	p.cache[templateID] = cachedContract{contract: contract, path: path, modTime: info.ModTime()}
	p.mu.Unlock()

	p.logger.Debug().
		Str("template_id", templateID).
		Str("contract_id", contract.ID).
		Int("version", contract.Version).
		Msg("Contract loaded")
	return contract, nil
}

// Template returns the raw HTML template for a template id
func (p *FileProvider) Template(ctx context.Context, templateID string) (string, error) {
	contract, err := p.Get(ctx, templateID)
	if err != nil {
		return "", err
	}

	name := contract.Template
	if name == "" {
		name = templateID + ".html"
	}
	rel, err := common.SanitizeKey(name)
	if err != nil {
		return "", fmt.Errorf("%w: template path %q", models.ErrInvalidContract, name)
	}

	data, err := os.ReadFile(filepath.Join(p.dir, filepath.FromSlash(rel)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", models.ErrTemplateNotFound, templateID)
		}
		return "", fmt.Errorf("failed to read template %s: %w", templateID, err)
	}
	return string(data), nil
}

func (p *FileProvider) locate(templateID string) (string, os.FileInfo, error) {
	rel, err := common.SanitizeKey(templateID)
	if err != nil || filepath.Base(rel) != rel {
		return "", nil, fmt.Errorf("%w: %q", models.ErrContractNotFound, templateID)
	}
	for _, ext := range contractExtensions {
		path := filepath.Join(p.dir, rel+ext)
		info, err := os.Stat(path)
		if err == nil {
			return path, info, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", nil, fmt.Errorf("failed to stat contract %s: %w", path, err)
		}
	}
	return "", nil, fmt.Errorf("%w: %s", models.ErrContractNotFound, templateID)
}

func (p *FileProvider) load(path string) (*models.Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contract %s: %w", path, err)
	}

	var contract models.Contract
	switch filepath.Ext(path) {
	case ".toml":
		err = toml.Unmarshal(data, &contract)
	default:
		err = yaml.Unmarshal(data, &contract)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrInvalidContract, filepath.Base(path), err)
	}

	if contract.Version == 0 {
		contract.Version = 1
	}
	if err := p.validate.Struct(&contract); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrInvalidContract, filepath.Base(path), err)
	}
	if err := contract.Check(); err != nil {
		return nil, err
	}
	return &contract, nil
}

// StaticProvider serves fixed contracts from memory
type StaticProvider struct {
	contracts map[string]*models.Contract
	templates map[string]string
}

var _ interfaces.ContractProvider = (*StaticProvider)(nil)

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		contracts: make(map[string]*models.Contract),
		templates: make(map[string]string),
	}
}

// Add registers a contract and its template under the contract's template id
func (p *StaticProvider) Add(contract *models.Contract, template string) *StaticProvider {
	p.contracts[contract.TemplateID] = contract
	p.templates[contract.TemplateID] = template
	return p
}

func (p *StaticProvider) Get(_ context.Context, templateID string) (*models.Contract, error) {
	contract, ok := p.contracts[templateID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrContractNotFound, templateID)
	}
	return contract, nil
}

func (p *StaticProvider) Template(_ context.Context, templateID string) (string, error) {
	template, ok := p.templates[templateID]
	if !ok {
		return "", fmt.Errorf("%w: %s", models.ErrTemplateNotFound, templateID)
	}
	return template, nil
}
