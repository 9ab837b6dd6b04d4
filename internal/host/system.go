package host

import (
	"errors"
	"io/fs"
	"os"
	"os/user"
	"strconv"
)

// ErrUnknownAccount is returned when a user or group does not exist.
var ErrUnknownAccount = errors.New("host: unknown account")

// Account identifies an OS user or group.
type Account struct {
	Name string
	ID   int
}

// System is the filesystem and account database the provisioner works against.
type System interface {
	LookupUser(name string) (Account, error)
	LookupGroup(name string) (Account, error)
	Stat(path string) (fs.FileInfo, error)
	MkdirAll(path string, perm fs.FileMode) error
	Chown(path string, uid, gid int) error
	Chmod(path string, mode fs.FileMode) error
	WriteFile(path string, data []byte, perm fs.FileMode) error
	ReadDir(path string) ([]fs.DirEntry, error)
	RemoveAll(path string) error
}

// Exists reports whether path exists on sys.
func Exists(sys System, path string) (bool, error) {
	_, err := sys.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Local is the System of the running host.
type Local struct{}

var _ System = Local{}

func (Local) LookupUser(name string) (Account, error) {
	u, err := user.Lookup(name)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return Account{}, ErrUnknownAccount
		}
		return Account{}, err
	}
	id, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Account{}, err
	}
	return Account{Name: u.Username, ID: id}, nil
}

func (Local) LookupGroup(name string) (Account, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		var unknown user.UnknownGroupError
		if errors.As(err, &unknown) {
			return Account{}, ErrUnknownAccount
		}
		return Account{}, err
	}
	id, err := strconv.Atoi(g.Gid)
	if err != nil {
		return Account{}, err
	}
	return Account{Name: g.Name, ID: id}, nil
}

func (Local) Stat(path string) (fs.FileInfo, error) { return os.Stat(path) }
func (Local) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }
func (Local) Chown(path string, uid, gid int) error { return os.Chown(path, uid, gid) }
func (Local) Chmod(path string, mode fs.FileMode) error { return os.Chmod(path, mode) }
func (Local) ReadDir(path string) ([]fs.DirEntry, error) { return os.ReadDir(path) }
func (Local) RemoveAll(path string) error { return os.RemoveAll(path) }
func (Local) WriteFile(path string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(path, data, perm)
}
