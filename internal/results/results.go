// Package results 定位并读取 agent 写入结果目录的结果文件。
package results

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/agentqa/test-executor/pkg/errors"
)

// ErrInvalidJSON 结果文件内容不是合法 JSON。
var ErrInvalidJSON = errors.New("result file is not valid JSON")

// Latest 返回 dir 下 (不递归) 修改时间最新的普通文件。
//
// 修改时间相同时取目录遍历中后出现者 (os.ReadDir 按文件名排序)。
// 目录为空或不存在时 ok=false 且不返回错误。
func Latest(dir string) (path string, ok bool, err error) {
	return LatestSince(dir, time.Time{})
}

// LatestSince 同 Latest, 但忽略修改时间早于 since 的文件 (since 为零值时不过滤)。
func LatestSince(dir string, since time.Time) (path string, ok bool, err error) {
	return LatestFresh(dir, since, nil)
}

// Snapshot 目录中普通文件的 name → (mtime, size) 快照。
type Snapshot map[string]stamp

type stamp struct {
	modTime time.Time
	size    int64
}

// TakeSnapshot 记录 dir 当前的普通文件。目录不存在时返回空快照。
func TakeSnapshot(dir string) (Snapshot, error) {
	snap := Snapshot{}
	err := eachFile(dir, func(name string, info fs.FileInfo) {
		snap[name] = stamp{modTime: info.ModTime(), size: info.Size()}
	})
	return snap, err
}

// unchanged 文件自快照以来未被改写。
func (s Snapshot) unchanged(name string, info fs.FileInfo) bool {
	st, ok := s[name]
	return ok && st.size == info.Size() && st.modTime.Equal(info.ModTime())
}

// LatestFresh 同 LatestSince, 另外忽略自 before 快照以来未改变的文件。
//
// since 的粗粒度过滤只作用于快照中没有的文件, 因此同一秒内先前 run 留下的文件
// 也不会被当作本次结果。
func LatestFresh(dir string, since time.Time, before Snapshot) (path string, ok bool, err error) {
	var best time.Time
	err = eachFile(dir, func(name string, info fs.FileInfo) {
		if before.unchanged(name, info) {
			return
		}
		mt := info.ModTime()
		if !since.IsZero() && mt.Before(since) {
			return
		}
		if !ok || !mt.Before(best) {
			best = mt
			path = filepath.Join(dir, name)
			ok = true
		}
	})
	if err != nil {
		return "", false, err
	}
	return path, ok, nil
}

// eachFile 按目录顺序遍历 dir 下的普通文件 (不递归)。目录不存在视为空。
func eachFile(dir string, fn func(name string, info fs.FileInfo)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return apperrors.WithCode(err, "results.Latest", apperrors.CodeResult, "list results dir")
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// 遍历与 stat 之间被删除
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return apperrors.WithCode(err, "results.Latest", apperrors.CodeResult, "stat result file")
		}
		fn(e.Name(), info)
	}
	return nil
}

// ReadJSON 读取结果文件并校验为 JSON, 原样返回内容。
func ReadJSON(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.WithCode(err, "results.ReadJSON", apperrors.CodeResult, "read result file")
	}
	if !json.Valid(data) {
		return nil, apperrors.WithCode(ErrInvalidJSON, "results.ReadJSON", apperrors.CodeResult, filepath.Base(path))
	}
	return json.RawMessage(data), nil
}
