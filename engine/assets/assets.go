package assets

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/chronicle/engine/assets/loaders"
	"github.com/spaghettifunk/chronicle/engine/core"
)

type AssetType uint8

const (
	AssetTypeNone AssetType = iota
	// Compiled SPIR-V, loaded as []byte.
	AssetTypeShader
	// Loaded as *loaders.Image.
	AssetTypeImage
)

var (
	ErrAssetNotFound = errors.New("asset not found")
	ErrNoLoader      = errors.New("no loader for asset type")
	ErrClosed        = errors.New("asset manager closed")
)

type Loader interface {
	Load(path string) (interface{}, error)
}

type AssetInfo struct {
	// Slash separated path relative to the asset root.
	Name       string
	Path       string
	Type       AssetType
	LastLoaded time.Time

	data interface{}
}

// AssetManager indexes every file under a root directory and loads them on
// demand. Loaded data is cached until the file changes on disk; subscribers
// are told the name of every changed asset.
type AssetManager struct {
	root    string
	assets  map[string]*AssetInfo
	loaders map[AssetType]Loader

	mutex       sync.RWMutex
	subscribers []func(name string)

	fsnotify *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	isClosed bool
}

func NewAssetManager(root string) (*AssetManager, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "asset root %s", root)
	}
	if !info.IsDir() {
		return nil, errors.Newf("asset root %s is not a directory", root)
	}
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating asset watcher")
	}

	am := &AssetManager{
		root:     filepath.Clean(root),
		assets:   make(map[string]*AssetInfo),
		loaders:  make(map[AssetType]Loader),
		fsnotify: fsWatch,
		done:     make(chan struct{}),
	}
	am.registerLoader(AssetTypeShader, &loaders.ShaderLoader{})
	am.registerLoader(AssetTypeImage, &loaders.ImageLoader{})

	if err := am.watchRecursive(am.root); err != nil {
		_ = fsWatch.Close()
		return nil, err
	}
	am.wg.Add(1)
	go am.start()

	core.LogDebug("indexed %d assets under %s", am.Len(), am.root)
	return am, nil
}

func (am *AssetManager) registerLoader(assetType AssetType, loader Loader) {
	am.loaders[assetType] = loader
}

// Load returns the data of the named asset, reading it from disk when it
// has not been loaded yet or changed since.
func (am *AssetManager) Load(name string) (interface{}, error) {
	am.mutex.RLock()
	asset, exists := am.assets[name]
	var cached interface{}
	if exists {
		cached = asset.data
	}
	closed := am.isClosed
	am.mutex.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !exists {
		return nil, errors.Wrapf(ErrAssetNotFound, "%s", name)
	}
	if cached != nil {
		return cached, nil
	}

	loader, ok := am.loaders[asset.Type]
	if !ok {
		return nil, errors.Wrapf(ErrNoLoader, "%s", name)
	}
	data, err := loader.Load(asset.Path)
	if err != nil {
		return nil, err
	}

	am.mutex.Lock()
	if current, ok := am.assets[name]; ok {
		current.data = data
		current.LastLoaded = time.Now()
	}
	am.mutex.Unlock()
	return data, nil
}

func (am *AssetManager) LoadShader(name string) ([]byte, error) {
	data, err := am.Load(name)
	if err != nil {
		return nil, err
	}
	code, ok := data.([]byte)
	if !ok {
		return nil, errors.Newf("asset %s is not a shader", name)
	}
	return code, nil
}

func (am *AssetManager) LoadImage(name string) (*loaders.Image, error) {
	data, err := am.Load(name)
	if err != nil {
		return nil, err
	}
	img, ok := data.(*loaders.Image)
	if !ok {
		return nil, errors.Newf("asset %s is not an image", name)
	}
	return img, nil
}

// Info returns a copy of the index entry for name.
func (am *AssetManager) Info(name string) (AssetInfo, bool) {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	asset, ok := am.assets[name]
	if !ok {
		return AssetInfo{}, false
	}
	return AssetInfo{Name: asset.Name, Path: asset.Path, Type: asset.Type, LastLoaded: asset.LastLoaded}, true
}

func (am *AssetManager) Len() int {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	return len(am.assets)
}

// Subscribe registers fn to be called from the watcher goroutine with the
// name of every asset that changed on disk.
func (am *AssetManager) Subscribe(fn func(name string)) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.subscribers = append(am.subscribers, fn)
}

func (am *AssetManager) Close() error {
	am.mutex.Lock()
	if am.isClosed {
		am.mutex.Unlock()
		return nil
	}
	am.isClosed = true
	am.mutex.Unlock()

	close(am.done)
	err := am.fsnotify.Close()
	am.wg.Wait()
	return err
}

func (am *AssetManager) start() {
	defer am.wg.Done()
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			s, err := os.Stat(e.Name)
			if err == nil && s.IsDir() {
				if e.Has(fsnotify.Create) {
					if err := am.watchRecursive(e.Name); err != nil {
						core.LogWarn("asset watcher: %v", err)
					}
				}
				continue
			}
			if e.Has(fsnotify.Create) || e.Has(fsnotify.Write) {
				if am.handleFileEvent(e.Name) {
					am.notify(e.Name)
				}
			}
			if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
				am.removeAsset(e.Name)
			}

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogWarn("asset watcher: %v", err)

		case <-am.done:
			return
		}
	}
}

// watchRecursive adds path and every directory below it to the watch list
// and indexes the files it finds.
func (am *AssetManager) watchRecursive(path string) error {
	return filepath.WalkDir(path, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return am.fsnotify.Add(walkPath)
		}
		am.handleFileEvent(walkPath)
		return nil
	})
}

// handleFileEvent indexes a created or modified file and drops any cached
// data. It reports whether the file is a known asset type.
func (am *AssetManager) handleFileEvent(path string) bool {
	assetType := determineAssetType(path)
	if assetType == AssetTypeNone {
		return false
	}
	name, ok := am.nameOf(path)
	if !ok {
		return false
	}

	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.assets[name] = &AssetInfo{
		Name: name,
		Path: path,
		Type: assetType,
	}
	return true
}

func (am *AssetManager) removeAsset(path string) {
	name, ok := am.nameOf(path)
	if !ok {
		return
	}
	am.mutex.Lock()
	defer am.mutex.Unlock()
	delete(am.assets, name)
}

func (am *AssetManager) notify(path string) {
	name, ok := am.nameOf(path)
	if !ok {
		return
	}
	am.mutex.RLock()
	subs := append([]func(string){}, am.subscribers...)
	am.mutex.RUnlock()

	core.LogDebug("asset %s changed", name)
	for _, fn := range subs {
		fn(name)
	}
}

func (am *AssetManager) nameOf(path string) (string, bool) {
	rel, err := filepath.Rel(am.root, filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func determineAssetType(path string) AssetType {
	switch filepath.Ext(path) {
	case ".spv":
		return AssetTypeShader
	case ".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp":
		return AssetTypeImage
	default:
		return AssetTypeNone
	}
}
