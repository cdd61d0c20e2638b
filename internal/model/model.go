// Package model discovers Live2D model folders on disk.
package model

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// File suffixes recognised inside a model folder.
const (
	SuffixModel    = ".model3.json"
	SuffixMotion   = ".motion3.json"
	SuffixExpr     = ".exp3.json"
	SuffixPhysics  = ".physics3.json"
	SuffixPose     = ".pose3.json"
	SuffixUserData = ".userdata3.json"

	// Subdirectories deeper than this are not searched for textures or motions.
	maxDepth = 2
)

// Validation issues.
const (
	IssueNoModel   = "缺少模型文件"
	IssueNoTexture = "缺少纹理文件"
	IssueNoMotion  = "没有动作文件"
)

// Info describes one model folder. All paths are slash-separated and
// relative to the scanned root.
type Info struct {
	Name         string   `json:"name"`
	Folder       string   `json:"folder"`
	ModelFile    string   `json:"model_file,omitempty"`
	Textures     []string `json:"textures"`
	Motions      []string `json:"motions"`
	PhysicsFile  string   `json:"physics_file,omitempty"`
	PoseFile     string   `json:"pose_file,omitempty"`
	UserDataFile string   `json:"user_data_file,omitempty"`
}

// MotionInfo is one motion file with a human-friendly name.
type MotionInfo struct {
	FileName    string `json:"file_name"`
	FilePath    string `json:"file_path"`
	DisplayName string `json:"display_name"`
}

// MotionList returns the model's motions sorted by display name.
func (i Info) MotionList() []MotionInfo {
	out := make([]MotionInfo, 0, len(i.Motions))
	for _, p := range i.Motions {
		name := path.Base(p)
		out = append(out, MotionInfo{FileName: name, FilePath: p, DisplayName: MotionDisplayName(name)})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].DisplayName < out[b].DisplayName })
	return out
}

// Stats summarises the files of a model.
type Stats struct {
	TotalFiles   int  `json:"total_files"`
	TextureCount int  `json:"texture_count"`
	MotionCount  int  `json:"motion_count"`
	HasPhysics   bool `json:"has_physics"`
	HasPose      bool `json:"has_pose"`
	HasUserData  bool `json:"has_user_data"`
}

// StatsOf counts the files that make up a model. The descriptor always
// counts as one file.
func StatsOf(i Info) Stats {
	s := Stats{
		TextureCount: len(i.Textures),
		MotionCount:  len(i.Motions),
		HasPhysics:   i.PhysicsFile != "",
		HasPose:      i.PoseFile != "",
		HasUserData:  i.UserDataFile != "",
	}
	s.TotalFiles = 1 + s.TextureCount + s.MotionCount
	for _, b := range []bool{s.HasPhysics, s.HasPose, s.HasUserData} {
		if b {
			s.TotalFiles++
		}
	}
	return s
}

// ValidationError lists everything that makes a model unusable.
type ValidationError struct {
	Folder string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("model %s invalid: %s", e.Folder, strings.Join(e.Issues, ", "))
}

// Validate requires a descriptor, at least one texture and at least one
// motion. It returns nil or a *ValidationError.
func Validate(i Info) error {
	var issues []string
	if i.ModelFile == "" {
		issues = append(issues, IssueNoModel)
	}
	if len(i.Textures) == 0 {
		issues = append(issues, IssueNoTexture)
	}
	if len(i.Motions) == 0 {
		issues = append(issues, IssueNoMotion)
	}
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Folder: i.Folder, Issues: issues}
}

// Scan lists every top-level folder of fsys that contains a model
// descriptor. Folders that cannot be read are skipped.
func Scan(fsys fs.FS) ([]Info, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read model root: %w", err)
	}

	var models []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, ok, err := Load(fsys, e.Name())
		if err != nil || !ok {
			continue
		}
		models = append(models, info)
	}
	return models, nil
}

// Load inspects a single folder. The boolean is false when the folder has
// no model descriptor.
func Load(fsys fs.FS, folder string) (Info, bool, error) {
	files, err := fs.ReadDir(fsys, folder)
	if err != nil {
		return Info{}, false, err
	}

	info := Info{
		Name:     DisplayName(folder),
		Folder:   folder,
		Textures: []string{},
		Motions:  []string{},
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		name := f.Name()
		full := path.Join(folder, name)
		switch {
		case hasSuffix(name, SuffixModel):
			if info.ModelFile == "" {
				info.ModelFile = full
			}
		case isImage(name):
			info.Textures = append(info.Textures, full)
		case hasSuffix(name, SuffixMotion):
			info.Motions = append(info.Motions, full)
		case hasSuffix(name, SuffixPhysics):
			setOnce(&info.PhysicsFile, full)
		case hasSuffix(name, SuffixPose):
			setOnce(&info.PoseFile, full)
		case hasSuffix(name, SuffixUserData):
			setOnce(&info.UserDataFile, full)
		}
	}
	if info.ModelFile == "" {
		return Info{}, false, nil
	}

	for _, f := range files {
		if f.IsDir() {
			collectNested(fsys, path.Join(folder, f.Name()), 1, &info)
		}
	}
	return info, true, nil
}

// collectNested adds textures, expressions and motions from subdirectories.
// Expressions are counted with the textures.
func collectNested(fsys fs.FS, dir string, depth int, info *Info) {
	if depth > maxDepth {
		return
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		full := path.Join(dir, e.Name())
		if e.IsDir() {
			continue
		}
		switch name := e.Name(); {
		case isImage(name), hasSuffix(name, SuffixExpr):
			info.Textures = append(info.Textures, full)
		case hasSuffix(name, SuffixMotion):
			info.Motions = append(info.Motions, full)
		}
	}
	for _, e := range entries {
		if e.IsDir() {
			collectNested(fsys, path.Join(dir, e.Name()), depth+1, info)
		}
	}
}

// DisplayName turns a folder name like "hiyori_pro-t10" into "Hiyori Pro T10".
func DisplayName(folder string) string {
	words := strings.Split(strings.NewReplacer("_", " ", "-", " ").Replace(folder), " ")
	for i, w := range words {
		words[i] = upperFirst(w)
	}
	return strings.Join(words, " ")
}

// MotionDisplayName strips the extension and separators from a motion file
// name and capitalises the first letter.
func MotionDisplayName(fileName string) string {
	base := fileName
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[:i]
	}
	return upperFirst(strings.NewReplacer("_", " ", "-", " ").Replace(base))
}

func upperFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 || !unicode.IsLower(r) {
		return s
	}
	return string(unicode.ToTitle(r)) + s[n:]
}

func hasSuffix(name, suffix string) bool {
	return len(name) >= len(suffix) && strings.EqualFold(name[len(name)-len(suffix):], suffix)
}

func isImage(name string) bool {
	return hasSuffix(name, ".png") || hasSuffix(name, ".jpg") || hasSuffix(name, ".jpeg")
}

func setOnce(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}
