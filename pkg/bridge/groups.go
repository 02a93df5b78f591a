package bridge

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/rexliu/hostbridge/pkg/events"
	"github.com/rexliu/hostbridge/pkg/resource"
	"github.com/rexliu/hostbridge/pkg/value"
)

func pathArgs(path string) value.Value {
	return obj(value.Pair("path", value.String(path)))
}

// Clipboard methods.
type Clipboard struct{ b *Bridge }

func (c Clipboard) GetFormat(ctx context.Context) (ClipboardFormat, error) {
	return decodeCall[ClipboardFormat](ctx, c.b, "clipboard.getFormat", value.Null())
}

func (c Clipboard) ReadText(ctx context.Context) (string, error) {
	return decodeCall[string](ctx, c.b, "clipboard.readText", value.Null())
}

// ReadImage returns nil when the clipboard holds no image.
func (c Clipboard) ReadImage(ctx context.Context) (*ClipboardImage, error) {
	return decodeCall[*ClipboardImage](ctx, c.b, "clipboard.readImage", value.Null())
}

func (c Clipboard) WriteText(ctx context.Context, data string) error {
	return voidCall(ctx, c.b, "clipboard.writeText", obj(value.Pair("data", value.String(data))))
}

func (c Clipboard) WriteImage(ctx context.Context, img ClipboardImage) error {
	v, err := value.From(img)
	if err != nil {
		return err
	}
	return voidCall(ctx, c.b, "clipboard.writeImage", v)
}

func (c Clipboard) Clear(ctx context.Context) error {
	return voidCall(ctx, c.b, "clipboard.clear", value.Null())
}

// Computer methods.
type Computer struct{ b *Bridge }

func (c Computer) GetMemoryInfo(ctx context.Context) (MemoryInfo, error) {
	return decodeCall[MemoryInfo](ctx, c.b, "computer.getMemoryInfo", value.Null())
}

func (c Computer) GetArch(ctx context.Context) (string, error) {
	return decodeCall[string](ctx, c.b, "computer.getArch", value.Null())
}

func (c Computer) GetKernelInfo(ctx context.Context) (KernelInfo, error) {
	return decodeCall[KernelInfo](ctx, c.b, "computer.getKernelInfo", value.Null())
}

func (c Computer) GetOSInfo(ctx context.Context) (OSInfo, error) {
	return decodeCall[OSInfo](ctx, c.b, "computer.getOSInfo", value.Null())
}

func (c Computer) GetCPUInfo(ctx context.Context) (CPUInfo, error) {
	return decodeCall[CPUInfo](ctx, c.b, "computer.getCPUInfo", value.Null())
}

func (c Computer) GetDisplays(ctx context.Context) ([]Display, error) {
	return decodeCall[[]Display](ctx, c.b, "computer.getDisplays", value.Null())
}

func (c Computer) GetMousePosition(ctx context.Context) (MousePosition, error) {
	return decodeCall[MousePosition](ctx, c.b, "computer.getMousePosition", value.Null())
}

// Custom methods.
type Custom struct{ b *Bridge }

// GetMethods lists host methods registered beyond the built-in API.
func (c Custom) GetMethods(ctx context.Context) ([]string, error) {
	return decodeCall[[]string](ctx, c.b, "custom.getMethods", value.Null())
}

// Debug methods.
type Debug struct{ b *Bridge }

// Log writes message to the host log. An empty level means LogInfo.
func (d Debug) Log(ctx context.Context, message string, level LoggerType) error {
	if level == "" {
		level = LogInfo
	}
	return voidCall(ctx, d.b, "debug.log", obj(
		value.Pair("message", value.String(message)),
		value.Pair("type", value.String(string(level))),
	))
}

// Events combines the local bus with host fan-out.
type Events struct{ b *Bridge }

// On subscribes handler to event. Keep the Subscription to remove it.
func (e Events) On(event string, handler events.Handler) (*events.Subscription, Ack) {
	sub := e.b.bus.On(event, handler)
	return sub, Ack{Success: true, Message: "Event listener added"}
}

// Off removes a subscription made with On. Removing an unknown
// subscription is a successful no-op.
func (e Events) Off(event string, sub *events.Subscription) Ack {
	if e.b.bus.Off(event, sub) {
		return Ack{Success: true, Message: "Event listener removed"}
	}
	return Ack{Success: true, Message: "No matching event listener"}
}

// Dispatch delivers event to local handlers only.
func (e Events) Dispatch(event string, data value.Value) Ack {
	n := e.b.bus.Dispatch(event, data)
	return Ack{Success: true, Message: fmt.Sprintf("Message dispatched to %d handlers", n)}
}

// Broadcast asks the host to deliver event to every connected client.
func (e Events) Broadcast(ctx context.Context, event string, data value.Value) error {
	return voidCall(ctx, e.b, "events.broadcast", eventArgs(event, data))
}

// Emit dispatches locally and then broadcasts through the host.
func (e Events) Emit(ctx context.Context, event string, data value.Value) (Ack, error) {
	ack := e.Dispatch(event, data)
	if err := e.Broadcast(ctx, event, data); err != nil {
		return ack, err
	}
	return ack, nil
}

// Extensions methods.
type Extensions struct{ b *Bridge }

// Dispatch sends event to one extension. The host rejects extensions that
// are not connected.
func (x Extensions) Dispatch(ctx context.Context, extensionID, event string, data value.Value) error {
	return voidCall(ctx, x.b, "extensions.dispatch", eventArgs(event, data).With("extensionId", value.String(extensionID)))
}

func (x Extensions) Broadcast(ctx context.Context, event string, data value.Value) error {
	return voidCall(ctx, x.b, "extensions.broadcast", eventArgs(event, data))
}

// GetStats reports loaded and connected extensions. A connected extension
// the host did not list as loaded is added to Loaded.
func (x Extensions) GetStats(ctx context.Context) (ExtensionStats, error) {
	stats, err := decodeCall[ExtensionStats](ctx, x.b, "extensions.getStats", value.Null())
	if err != nil {
		return stats, err
	}
	return normalizeStats(x.b, stats), nil
}

func normalizeStats(b *Bridge, stats ExtensionStats) ExtensionStats {
	loaded := make(map[string]bool, len(stats.Loaded))
	for _, id := range stats.Loaded {
		loaded[id] = true
	}
	for _, id := range stats.Connected {
		if loaded[id] {
			continue
		}
		b.logger.Warnw("connected extension missing from loaded set", "extension", id)
		stats.Loaded = append(stats.Loaded, id)
		loaded[id] = true
	}
	if stats.Loaded == nil {
		stats.Loaded = []string{}
	}
	if stats.Connected == nil {
		stats.Connected = []string{}
	}
	return stats
}

// Filesystem methods. Watchers and opened files are tracked in the
// bridge's resource registry.
type Filesystem struct{ b *Bridge }

func (f Filesystem) CreateDirectory(ctx context.Context, path string) error {
	return voidCall(ctx, f.b, "filesystem.createDirectory", pathArgs(path))
}

func (f Filesystem) Remove(ctx context.Context, path string) error {
	return voidCall(ctx, f.b, "filesystem.remove", pathArgs(path))
}

func (f Filesystem) WriteFile(ctx context.Context, path, data string) error {
	return voidCall(ctx, f.b, "filesystem.writeFile", pathArgs(path).With("data", value.String(data)))
}

func (f Filesystem) AppendFile(ctx context.Context, path, data string) error {
	return voidCall(ctx, f.b, "filesystem.appendFile", pathArgs(path).With("data", value.String(data)))
}

func (f Filesystem) WriteBinaryFile(ctx context.Context, path string, data []byte) error {
	return voidCall(ctx, f.b, "filesystem.writeBinaryFile", pathArgs(path).With("data", encodeBinary(data)))
}

func (f Filesystem) AppendBinaryFile(ctx context.Context, path string, data []byte) error {
	return voidCall(ctx, f.b, "filesystem.appendBinaryFile", pathArgs(path).With("data", encodeBinary(data)))
}

func (f Filesystem) ReadFile(ctx context.Context, path string, opts *FileReaderOptions) (string, error) {
	a, err := merge(pathArgs(path), opts)
	if err != nil {
		return "", err
	}
	return decodeCall[string](ctx, f.b, "filesystem.readFile", a)
}

func (f Filesystem) ReadBinaryFile(ctx context.Context, path string, opts *FileReaderOptions) ([]byte, error) {
	a, err := merge(pathArgs(path), opts)
	if err != nil {
		return nil, err
	}
	encoded, err := decodeCall[string](ctx, f.b, "filesystem.readBinaryFile", a)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("bridge: decode filesystem.readBinaryFile result: %w", err)
	}
	return data, nil
}

// OpenFile opens path for streamed reading and tracks the handle.
func (f Filesystem) OpenFile(ctx context.Context, path string) (int64, error) {
	return f.b.resources.Create(ctx, resource.KindOpenedFile, pathArgs(path))
}

// CreateWatcher starts watching path and tracks the handle.
func (f Filesystem) CreateWatcher(ctx context.Context, path string) (int64, error) {
	return f.b.resources.Create(ctx, resource.KindWatcher, pathArgs(path))
}

// RemoveWatcher stops a watcher. The handle is invalid afterwards even if
// the host reports an error.
func (f Filesystem) RemoveWatcher(ctx context.Context, id int64) (int64, error) {
	if err := f.b.resources.Remove(ctx, resource.KindWatcher, id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetWatchers reconciles tracked watchers with the host and lists them.
func (f Filesystem) GetWatchers(ctx context.Context) ([]Watcher, error) {
	if _, err := f.b.resources.Sync(ctx, resource.KindWatcher); err != nil {
		return nil, err
	}
	handles := f.b.resources.List(resource.KindWatcher)
	out := make([]Watcher, 0, len(handles))
	for _, h := range handles {
		out = append(out, Watcher{ID: h.ID, Path: h.Path})
	}
	return out, nil
}

// UpdateOpenedFile sends a control event ("read", "readAll", "seek",
// "close") to an opened file.
func (f Filesystem) UpdateOpenedFile(ctx context.Context, id int64, event string, data value.Value) error {
	return f.b.resources.Update(ctx, resource.KindOpenedFile, id, event, data)
}

func (f Filesystem) GetOpenedFileInfo(ctx context.Context, id int64) (OpenedFile, error) {
	h, err := f.b.resources.Refresh(ctx, id)
	if err != nil {
		return OpenedFile{}, err
	}
	return OpenedFile{ID: h.ID, EOF: h.EOF, Pos: h.Pos, LastRead: h.LastRead}, nil
}

func (f Filesystem) ReadDirectory(ctx context.Context, path string, opts *DirectoryReaderOptions) ([]DirectoryEntry, error) {
	a, err := merge(pathArgs(path), opts)
	if err != nil {
		return nil, err
	}
	return decodeCall[[]DirectoryEntry](ctx, f.b, "filesystem.readDirectory", a)
}

func (f Filesystem) Copy(ctx context.Context, source, destination string, opts *CopyOptions) error {
	a, err := merge(obj(
		value.Pair("source", value.String(source)),
		value.Pair("destination", value.String(destination)),
	), opts)
	if err != nil {
		return err
	}
	return voidCall(ctx, f.b, "filesystem.copy", a)
}

func (f Filesystem) Move(ctx context.Context, source, destination string) error {
	return voidCall(ctx, f.b, "filesystem.move", obj(
		value.Pair("source", value.String(source)),
		value.Pair("destination", value.String(destination)),
	))
}

func (f Filesystem) GetStats(ctx context.Context, path string) (Stats, error) {
	return decodeCall[Stats](ctx, f.b, "filesystem.getStats", pathArgs(path))
}

func encodeBinary(data []byte) value.Value {
	return value.String(base64.StdEncoding.EncodeToString(data))
}

// OS methods. Spawned processes are tracked in the resource registry.
type OS struct{ b *Bridge }

func (o OS) ExecCommand(ctx context.Context, command string, opts *ExecCommandOptions) (ExecCommandResult, error) {
	a, err := merge(obj(value.Pair("command", value.String(command))), opts)
	if err != nil {
		return ExecCommandResult{}, err
	}
	return decodeCall[ExecCommandResult](ctx, o.b, "os.execCommand", a)
}

// SpawnProcess starts command in the background and tracks the handle.
func (o OS) SpawnProcess(ctx context.Context, command, cwd string) (SpawnedProcess, error) {
	params := obj(value.Pair("command", value.String(command)))
	if cwd != "" {
		params = params.With("cwd", value.String(cwd))
	}
	id, err := o.b.resources.Create(ctx, resource.KindSpawnedProcess, params)
	if err != nil {
		return SpawnedProcess{}, err
	}
	h, err := o.b.resources.Query(resource.KindSpawnedProcess, id)
	if err != nil {
		return SpawnedProcess{ID: id}, nil
	}
	return SpawnedProcess{ID: h.ID, PID: h.PID}, nil
}

// UpdateSpawnedProcess sends "stdIn", "stdInEnd" or "exit" to a process.
func (o OS) UpdateSpawnedProcess(ctx context.Context, id int64, event string, data value.Value) error {
	return o.b.resources.Update(ctx, resource.KindSpawnedProcess, id, event, data)
}

// ExitCode reports the exit code of a spawned process after its exit event.
// It is false while the process runs, and for exits too old to be kept.
func (o OS) ExitCode(id int64) (int64, bool) {
	h, ok := o.b.resources.Exited(id)
	if !ok || h.ExitCode == nil {
		return 0, false
	}
	return *h.ExitCode, true
}

// GetSpawnedProcesses reconciles tracked processes with the host and lists them.
func (o OS) GetSpawnedProcesses(ctx context.Context) ([]SpawnedProcess, error) {
	if _, err := o.b.resources.Sync(ctx, resource.KindSpawnedProcess); err != nil {
		return nil, err
	}
	handles := o.b.resources.List(resource.KindSpawnedProcess)
	out := make([]SpawnedProcess, 0, len(handles))
	for _, h := range handles {
		out = append(out, SpawnedProcess{ID: h.ID, PID: h.PID})
	}
	return out, nil
}

func (o OS) GetEnv(ctx context.Context, key string) (string, error) {
	return decodeCall[string](ctx, o.b, "os.getEnv", obj(value.Pair("key", value.String(key))))
}

func (o OS) GetEnvs(ctx context.Context) (map[string]string, error) {
	return decodeCall[map[string]string](ctx, o.b, "os.getEnvs", value.Null())
}

func (o OS) ShowOpenDialog(ctx context.Context, title string, opts *OpenDialogOptions) ([]string, error) {
	a, err := merge(titleArgs(title), opts)
	if err != nil {
		return nil, err
	}
	return decodeCall[[]string](ctx, o.b, "os.showOpenDialog", a)
}

func (o OS) ShowFolderDialog(ctx context.Context, title string, opts *FolderDialogOptions) (string, error) {
	a, err := merge(titleArgs(title), opts)
	if err != nil {
		return "", err
	}
	return decodeCall[string](ctx, o.b, "os.showFolderDialog", a)
}

func (o OS) ShowSaveDialog(ctx context.Context, title string, opts *SaveDialogOptions) (string, error) {
	a, err := merge(titleArgs(title), opts)
	if err != nil {
		return "", err
	}
	return decodeCall[string](ctx, o.b, "os.showSaveDialog", a)
}

func (o OS) ShowNotification(ctx context.Context, title, content string, icon Icon) error {
	a := obj(value.Pair("title", value.String(title)), value.Pair("content", value.String(content)))
	if icon != "" {
		a = a.With("icon", value.String(string(icon)))
	}
	return voidCall(ctx, o.b, "os.showNotification", a)
}

func (o OS) ShowMessageBox(ctx context.Context, title, content string, choice MessageBoxChoice, icon Icon) (string, error) {
	a := obj(value.Pair("title", value.String(title)), value.Pair("content", value.String(content)))
	if choice != "" {
		a = a.With("choice", value.String(string(choice)))
	}
	if icon != "" {
		a = a.With("icon", value.String(string(icon)))
	}
	return decodeCall[string](ctx, o.b, "os.showMessageBox", a)
}

func (o OS) SetTray(ctx context.Context, opts TrayOptions) error {
	a, err := merge(obj(), opts)
	if err != nil {
		return err
	}
	return voidCall(ctx, o.b, "os.setTray", a)
}

func (o OS) Open(ctx context.Context, url string) error {
	return voidCall(ctx, o.b, "os.open", obj(value.Pair("url", value.String(url))))
}

func (o OS) GetPath(ctx context.Context, name KnownPath) (string, error) {
	return decodeCall[string](ctx, o.b, "os.getPath", obj(value.Pair("name", value.String(string(name)))))
}

func titleArgs(title string) value.Value {
	if title == "" {
		return obj()
	}
	return obj(value.Pair("title", value.String(title)))
}

// Storage methods.
type Storage struct{ b *Bridge }

func (s Storage) SetData(ctx context.Context, key, data string) error {
	return voidCall(ctx, s.b, "storage.setData", obj(
		value.Pair("key", value.String(key)),
		value.Pair("data", value.String(data)),
	))
}

func (s Storage) GetData(ctx context.Context, key string) (string, error) {
	return decodeCall[string](ctx, s.b, "storage.getData", obj(value.Pair("key", value.String(key))))
}

func (s Storage) GetKeys(ctx context.Context) ([]string, error) {
	return decodeCall[[]string](ctx, s.b, "storage.getKeys", value.Null())
}

// Updater methods.
type Updater struct{ b *Bridge }

func (u Updater) CheckForUpdates(ctx context.Context, url string) (Manifest, error) {
	return decodeCall[Manifest](ctx, u.b, "updater.checkForUpdates", obj(value.Pair("url", value.String(url))))
}

func (u Updater) Install(ctx context.Context, manifest Manifest) error {
	m, err := value.From(manifest)
	if err != nil {
		return err
	}
	return voidCall(ctx, u.b, "updater.install", obj(value.Pair("manifest", m)))
}

// Window methods.
type Window struct{ b *Bridge }

func (w Window) SetTitle(ctx context.Context, title string) error {
	return voidCall(ctx, w.b, "window.setTitle", obj(value.Pair("title", value.String(title))))
}

func (w Window) GetTitle(ctx context.Context) (string, error) {
	return decodeCall[string](ctx, w.b, "window.getTitle", value.Null())
}

func (w Window) Maximize(ctx context.Context) error {
	return voidCall(ctx, w.b, "window.maximize", value.Null())
}

func (w Window) Unmaximize(ctx context.Context) error {
	return voidCall(ctx, w.b, "window.unmaximize", value.Null())
}

func (w Window) IsMaximized(ctx context.Context) (bool, error) {
	return decodeCall[bool](ctx, w.b, "window.isMaximized", value.Null())
}

func (w Window) Minimize(ctx context.Context) error {
	return voidCall(ctx, w.b, "window.minimize", value.Null())
}

func (w Window) SetFullScreen(ctx context.Context) error {
	return voidCall(ctx, w.b, "window.setFullScreen", value.Null())
}

func (w Window) ExitFullScreen(ctx context.Context) error {
	return voidCall(ctx, w.b, "window.exitFullScreen", value.Null())
}

func (w Window) IsFullScreen(ctx context.Context) (bool, error) {
	return decodeCall[bool](ctx, w.b, "window.isFullScreen", value.Null())
}

func (w Window) Show(ctx context.Context) error {
	return voidCall(ctx, w.b, "window.show", value.Null())
}

func (w Window) Hide(ctx context.Context) error {
	return voidCall(ctx, w.b, "window.hide", value.Null())
}

func (w Window) IsVisible(ctx context.Context) (bool, error) {
	return decodeCall[bool](ctx, w.b, "window.isVisible", value.Null())
}

func (w Window) Focus(ctx context.Context) error {
	return voidCall(ctx, w.b, "window.focus", value.Null())
}

func (w Window) SetIcon(ctx context.Context, icon string) error {
	return voidCall(ctx, w.b, "window.setIcon", obj(value.Pair("icon", value.String(icon))))
}

func (w Window) Move(ctx context.Context, x, y int) error {
	return voidCall(ctx, w.b, "window.move", obj(
		value.Pair("x", value.Int(int64(x))),
		value.Pair("y", value.Int(int64(y))),
	))
}

func (w Window) Center(ctx context.Context) error {
	return voidCall(ctx, w.b, "window.center", value.Null())
}

// SetDraggableRegion marks the element with the given DOM id as a drag handle.
func (w Window) SetDraggableRegion(ctx context.Context, elementID string) error {
	return voidCall(ctx, w.b, "window.setDraggableRegion", obj(value.Pair("id", value.String(elementID))))
}

func (w Window) UnsetDraggableRegion(ctx context.Context, elementID string) error {
	return voidCall(ctx, w.b, "window.unsetDraggableRegion", obj(value.Pair("id", value.String(elementID))))
}

func (w Window) SetSize(ctx context.Context, opts WindowSizeOptions) error {
	a, err := merge(obj(), opts)
	if err != nil {
		return err
	}
	return voidCall(ctx, w.b, "window.setSize", a)
}

func (w Window) GetSize(ctx context.Context) (WindowSizeOptions, error) {
	return decodeCall[WindowSizeOptions](ctx, w.b, "window.getSize", value.Null())
}

func (w Window) GetPosition(ctx context.Context) (WindowPosOptions, error) {
	return decodeCall[WindowPosOptions](ctx, w.b, "window.getPosition", value.Null())
}

func (w Window) SetAlwaysOnTop(ctx context.Context, onTop bool) error {
	return voidCall(ctx, w.b, "window.setAlwaysOnTop", obj(value.Pair("onTop", value.Bool(onTop))))
}
