package bridge

// Ack is the acknowledgement returned by local event operations.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ClipboardFormat is what the clipboard currently holds.
type ClipboardFormat string

const (
	FormatUnknown ClipboardFormat = "unknown"
	FormatText    ClipboardFormat = "text"
	FormatImage   ClipboardFormat = "image"
)

// ClipboardImage is raw pixel data with its channel layout. Data is
// transferred base64-encoded.
type ClipboardImage struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	BPP        int    `json:"bpp"`
	BPR        int    `json:"bpr"`
	RedMask    uint32 `json:"redMask"`
	GreenMask  uint32 `json:"greenMask"`
	BlueMask   uint32 `json:"blueMask"`
	RedShift   uint32 `json:"redShift"`
	GreenShift uint32 `json:"greenShift"`
	BlueShift  uint32 `json:"blueShift"`
	Data       []byte `json:"data"`
}

type MemoryInfo struct {
	Physical MemoryStat `json:"physical"`
	Virtual  MemoryStat `json:"virtual"`
}

type MemoryStat struct {
	Total     uint64 `json:"total"`
	Available uint64 `json:"available"`
}

type KernelInfo struct {
	Variant string `json:"variant"`
	Version string `json:"version"`
}

type OSInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

type CPUInfo struct {
	Vendor         string  `json:"vendor"`
	Model          string  `json:"model"`
	Frequency      float64 `json:"frequency"`
	Architecture   string  `json:"architecture"`
	LogicalThreads int     `json:"logicalThreads"`
	PhysicalCores  int     `json:"physicalCores"`
	PhysicalUnits  int     `json:"physicalUnits"`
}

type Display struct {
	ID          int64      `json:"id"`
	Resolution  Resolution `json:"resolution"`
	DPI         float64    `json:"dpi"`
	BPP         int        `json:"bpp"`
	RefreshRate float64    `json:"refreshRate"`
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type MousePosition struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// LoggerType is the severity passed to debug.log.
type LoggerType string

const (
	LogWarning LoggerType = "WARNING"
	LogError   LoggerType = "ERROR"
	LogInfo    LoggerType = "INFO"
)

// ExtensionStats lists loaded extensions and the subset currently connected.
type ExtensionStats struct {
	Loaded    []string `json:"loaded"`
	Connected []string `json:"connected"`
}

type DirectoryEntry struct {
	Entry string `json:"entry"`
	Path  string `json:"path"`
	Type  string `json:"type"`
}

type FileReaderOptions struct {
	Pos  int64 `json:"pos,omitempty"`
	Size int64 `json:"size,omitempty"`
}

type DirectoryReaderOptions struct {
	Recursive bool `json:"recursive,omitempty"`
}

type OpenedFile struct {
	ID       int64 `json:"id"`
	EOF      bool  `json:"eof"`
	Pos      int64 `json:"pos"`
	LastRead int64 `json:"lastRead"`
}

type Stats struct {
	Size        int64 `json:"size"`
	IsFile      bool  `json:"isFile"`
	IsDirectory bool  `json:"isDirectory"`
	CreatedAt   int64 `json:"createdAt"`
	ModifiedAt  int64 `json:"modifiedAt"`
}

type Watcher struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
}

type CopyOptions struct {
	Recursive bool `json:"recursive,omitempty"`
	Overwrite bool `json:"overwrite,omitempty"`
	Skip      bool `json:"skip,omitempty"`
}

type ExecCommandOptions struct {
	StdIn      string `json:"stdIn,omitempty"`
	Background bool   `json:"background,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
}

type ExecCommandResult struct {
	PID      int64  `json:"pid"`
	StdOut   string `json:"stdOut"`
	StdErr   string `json:"stdErr"`
	ExitCode int    `json:"exitCode"`
}

type SpawnedProcess struct {
	ID  int64 `json:"id"`
	PID int64 `json:"pid"`
}

type Filter struct {
	Name       string   `json:"name"`
	Extensions []string `json:"extensions"`
}

type OpenDialogOptions struct {
	MultiSelections bool     `json:"multiSelections,omitempty"`
	Filters         []Filter `json:"filters,omitempty"`
	DefaultPath     string   `json:"defaultPath,omitempty"`
}

type FolderDialogOptions struct {
	DefaultPath string `json:"defaultPath,omitempty"`
}

type SaveDialogOptions struct {
	ForceOverwrite bool     `json:"forceOverwrite,omitempty"`
	Filters        []Filter `json:"filters,omitempty"`
	DefaultPath    string   `json:"defaultPath,omitempty"`
}

type TrayMenuItem struct {
	ID         string `json:"id,omitempty"`
	Text       string `json:"text"`
	IsDisabled bool   `json:"isDisabled,omitempty"`
	IsChecked  bool   `json:"isChecked,omitempty"`
}

type TrayOptions struct {
	Icon      string         `json:"icon"`
	MenuItems []TrayMenuItem `json:"menuItems"`
}

// KnownPath names a platform directory for os.getPath.
type KnownPath string

const (
	PathConfig      KnownPath = "config"
	PathData        KnownPath = "data"
	PathCache       KnownPath = "cache"
	PathDocuments   KnownPath = "documents"
	PathPictures    KnownPath = "pictures"
	PathMusic       KnownPath = "music"
	PathVideo       KnownPath = "video"
	PathDownloads   KnownPath = "downloads"
	PathSavedGames1 KnownPath = "savedGames1"
	PathSavedGames2 KnownPath = "savedGames2"
)

type Icon string

const (
	IconWarning  Icon = "WARNING"
	IconError    Icon = "ERROR"
	IconInfo     Icon = "INFO"
	IconQuestion Icon = "QUESTION"
)

type MessageBoxChoice string

const (
	ChoiceOK               MessageBoxChoice = "OK"
	ChoiceOKCancel         MessageBoxChoice = "OK_CANCEL"
	ChoiceYesNo            MessageBoxChoice = "YES_NO"
	ChoiceYesNoCancel      MessageBoxChoice = "YES_NO_CANCEL"
	ChoiceRetryCancel      MessageBoxChoice = "RETRY_CANCEL"
	ChoiceAbortRetryIgnore MessageBoxChoice = "ABORT_RETRY_IGNORE"
)

// Manifest describes an available application update.
type Manifest struct {
	ApplicationID string `json:"applicationId"`
	Version       string `json:"version"`
	ResourcesURL  string `json:"resourcesURL"`
}

type WindowSizeOptions struct {
	Width     int   `json:"width,omitempty"`
	Height    int   `json:"height,omitempty"`
	MinWidth  int   `json:"minWidth,omitempty"`
	MinHeight int   `json:"minHeight,omitempty"`
	MaxWidth  int   `json:"maxWidth,omitempty"`
	MaxHeight int   `json:"maxHeight,omitempty"`
	Resizable *bool `json:"resizable,omitempty"`
}

type WindowPosOptions struct {
	X int `json:"x"`
	Y int `json:"y"`
}
