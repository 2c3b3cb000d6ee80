package compiledb

import (
	"runtime"
	"strings"

	"github.com/arduino/go-paths-helper"
	"github.com/pkg/errors"
	"go.bug.st/json"
)

// Database is the content of a compile_commands.json file, see
// https://clang.llvm.org/docs/JSONCompilationDatabase.html
type Database struct {
	File     *paths.Path
	Commands []Command
}

// Command is a single compiler run.
type Command struct {
	Directory string   `json:"directory"`
	Command   string   `json:"command,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
	File      string   `json:"file"`
	Output    string   `json:"output,omitempty"`
}

// Load reads the compilation database in file.
func Load(file *paths.Path) (*Database, error) {
	data, err := file.ReadFile()
	if err != nil {
		return nil, errors.Wrap(err, "reading compilation database")
	}
	res := &Database{
		File:     file,
		Commands: []Command{},
	}
	if err := json.Unmarshal(data, &res.Commands); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", file)
	}
	return res, nil
}

// LoadDir reads the compilation database inside dir.
func LoadDir(dir *paths.Path) (*Database, error) {
	return Load(dir.Join(FileName))
}

// Save writes the database back to its file.
func (db *Database) Save() error {
	data, err := json.MarshalIndent(db.Commands, "", " ")
	if err != nil {
		return err
	}
	return db.File.WriteFile(data)
}

// SourceFile returns the absolute path of the file compiled by cmd.
func (cmd *Command) SourceFile() *paths.Path {
	file := paths.New(cmd.File)
	if file.IsAbs() {
		return file.Canonical()
	}
	return paths.New(cmd.Directory).JoinPath(file).Canonical()
}

// Files returns the source files compiled by the database.
func (db *Database) Files() paths.PathList {
	res := paths.PathList{}
	for i := range db.Commands {
		res.AddIfMissing(db.Commands[i].SourceFile())
	}
	return res
}

// Contains returns true if file is compiled by one of the commands.
func (db *Database) Contains(file *paths.Path) bool {
	file = file.Canonical()
	for i := range db.Commands {
		if db.Commands[i].SourceFile().EquivalentTo(file) {
			return true
		}
	}
	return false
}

// Canonicalize rewrites the compiler of every command as an absolute path,
// with the .exe extension on Windows: clangd needs it to query the
// compiler for its system includes. Compilers given by bare name are left
// alone, they are looked up in PATH.
func (db *Database) Canonicalize() error {
	for i, cmd := range db.Commands {
		if len(cmd.Arguments) == 0 {
			if cmd.Command != "" {
				// shell command lines are left untouched
				continue
			}
			return errors.Errorf("command for %s has no arguments", cmd.File)
		}
		if !strings.ContainsAny(cmd.Arguments[0], `/\`) {
			continue
		}
		compilerPath := paths.New(cmd.Arguments[0])
		if !compilerPath.IsAbs() {
			compilerPath = paths.New(cmd.Directory).JoinPath(compilerPath)
		}
		compiler := compilerPath.Canonical().String()
		if runtime.GOOS == "windows" && strings.ToLower(compilerPath.Ext()) != ".exe" {
			compiler += ".exe"
		}
		db.Commands[i].Arguments[0] = compiler
	}
	return nil
}
