package ls

import (
	"github.com/arduino/go-paths-helper"
)

// Project is a unit of work of the host IDE: every project gets its own
// language server session.
type Project interface {
	// Name is a human readable name used in logs and messages.
	Name() string
	// ProjectFile uniquely identifies the project.
	ProjectFile() *paths.Path
	// BaseDir is the working directory of the language server.
	BaseDir() *paths.Path
	// CompileCommandsDir is the directory holding compile_commands.json.
	CompileCommandsDir() *paths.Path
	// Contains returns true if file belongs to the project.
	Contains(file *paths.Path) bool
}

// DirProject is a Project made of all the files inside a directory.
type DirProject struct {
	name               string
	projectFile        *paths.Path
	baseDir            *paths.Path
	compileCommandsDir *paths.Path
}

// NewDirProject creates a project rooted in baseDir, identified by
// projectFile. If compileCommandsDir is nil, baseDir is used.
func NewDirProject(name string, projectFile, baseDir, compileCommandsDir *paths.Path) *DirProject {
	if compileCommandsDir == nil {
		compileCommandsDir = baseDir
	}
	return &DirProject{
		name:               name,
		projectFile:        projectFile,
		baseDir:            baseDir,
		compileCommandsDir: compileCommandsDir,
	}
}

// Name implements Project.
func (p *DirProject) Name() string { return p.name }

// ProjectFile implements Project.
func (p *DirProject) ProjectFile() *paths.Path { return p.projectFile }

// BaseDir implements Project.
func (p *DirProject) BaseDir() *paths.Path { return p.baseDir }

// CompileCommandsDir implements Project.
func (p *DirProject) CompileCommandsDir() *paths.Path { return p.compileCommandsDir }

// Contains implements Project.
func (p *DirProject) Contains(file *paths.Path) bool {
	inside, err := file.IsInsideDir(p.baseDir)
	return err == nil && inside
}

func (p *DirProject) String() string {
	return p.name + " (" + p.projectFile.String() + ")"
}
