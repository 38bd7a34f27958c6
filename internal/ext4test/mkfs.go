package ext4test

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// Size and label of the image BuildReference writes.
const (
	ReferenceSize  = 16 << 20
	ReferenceLabel = "test_disk1"
)

// mkfsPath finds mkfs.ext4, which often lives outside an unprivileged PATH.
func mkfsPath() (string, error) {
	if p, err := exec.LookPath("mkfs.ext4"); err == nil {
		return p, nil
	}
	for _, p := range []string{"/usr/sbin/mkfs.ext4", "/sbin/mkfs.ext4"} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", exec.ErrNotFound
}

// HaveMkfs reports whether BuildReference can run.
func HaveMkfs() bool {
	_, err := mkfsPath()
	return err == nil
}

// BuildReference writes a mkfs.ext4 image to path holding:
//
//	/empty_file
//	/small_file         "hello, world!"
//	/holes              five 4 KiB runs of 0xa5 with 8 KiB holes between
//	/empty_dir/
//	/empty_dir/sym_up   -> ../small_file
//	/big_dir/0..9999    empty files
//	/sym_simple         -> small_file
//	/sym_abs            -> /small_file
//
// The image has metadata_csum, 64bit and dir_index, as mke2fs sets them
// by default for ext4.
func BuildReference(path string) error {
	mkfs, err := mkfsPath()
	if err != nil {
		return err
	}
	staging, err := os.MkdirTemp("", "ext4view-reference")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := populate(staging); err != nil {
		return fmt.Errorf("staging tree: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(ReferenceSize); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	cmd := exec.Command(mkfs, "-q", "-F",
		"-L", ReferenceLabel,
		"-b", "4096",
		"-N", "12000",
		"-O", "metadata_csum,64bit,dir_index",
		"-E", "root_owner=0:0",
		"-d", staging,
		path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(path)
		return fmt.Errorf("mkfs.ext4: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

func populate(dir string) error {
	write := func(name string, data []byte) error {
		return os.WriteFile(filepath.Join(dir, name), data, 0o644)
	}
	if err := write("empty_file", nil); err != nil {
		return err
	}
	if err := write("small_file", []byte("hello, world!")); err != nil {
		return err
	}
	if err := writeHoles(filepath.Join(dir, "holes")); err != nil {
		return err
	}
	if err := os.Mkdir(filepath.Join(dir, "empty_dir"), 0o755); err != nil {
		return err
	}

	big := filepath.Join(dir, "big_dir")
	if err := os.Mkdir(big, 0o755); err != nil {
		return err
	}
	for i := 0; i < 10_000; i++ {
		if err := os.WriteFile(filepath.Join(big, strconv.Itoa(i)), nil, 0o644); err != nil {
			return err
		}
	}

	if err := os.Symlink("small_file", filepath.Join(dir, "sym_simple")); err != nil {
		return err
	}
	if err := os.Symlink("/small_file", filepath.Join(dir, "sym_abs")); err != nil {
		return err
	}
	return os.Symlink("../small_file", filepath.Join(dir, "empty_dir", "sym_up"))
}

func writeHoles(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	data := bytes.Repeat([]byte{0xa5}, 4096)
	for i := int64(0); i < 5; i++ {
		if _, err := f.WriteAt(data, i*(4096+8192)); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
