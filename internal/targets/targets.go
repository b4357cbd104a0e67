// Package targets 负责整理批处理要分析的 TIC 目标列表。
package targets

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"ARGOS/internal/catalog"
	"ARGOS/internal/config"
	apperrors "ARGOS/internal/errors"
)

// Resolve 合并目标来源：命令行参数优先，否则使用配置中的文件与内联列表。
func Resolve(cfg config.TargetsConfig, args []string) ([]int64, error) {
	if len(args) > 0 {
		return Parse(args)
	}

	var ids []int64
	if strings.TrimSpace(cfg.File) != "" {
		loaded, err := Load(cfg.File)
		if err != nil {
			return nil, err
		}
		ids = append(ids, loaded...)
	}
	ids = append(ids, cfg.TICIDs...)
	if len(ids) == 0 {
		ids = append(ids, config.DefaultTargets...)
	}
	for _, id := range ids {
		if id <= 0 {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("无效的 TIC 编号 %d", id))
		}
	}
	return Dedup(ids), nil
}

// Parse 解析形如 "261155555"、"TIC 261155555" 的目标标识。
func Parse(values []string) ([]int64, error) {
	ids := make([]int64, 0, len(values))
	for _, raw := range values {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		id, err := catalog.ParseTIC(raw)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "解析目标失败")
		}
		ids = append(ids, id)
	}
	return Dedup(ids), nil
}

// Load 按扩展名读取目标文件：.json 数组、.yaml/.yml 列表，其余按每行一个处理。
func Load(path string) ([]int64, error) {
	if strings.TrimSpace(path) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "目标文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "解析目标文件路径失败")
	}
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNotFound, err, "读取目标文件失败")
	}

	var values []string
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".json":
		values, err = parseJSON(raw)
	case ".yaml", ".yml":
		values, err = parseYAML(raw)
	default:
		values, err = parseLines(raw)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, fmt.Sprintf("解析目标文件 %s 失败", path))
	}
	return Parse(values)
}

func parseLines(raw []byte) ([]string, error) {
	var values []string
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		for _, field := range strings.Split(line, ",") {
			if field = strings.TrimSpace(field); field != "" {
				values = append(values, field)
			}
		}
	}
	return values, scanner.Err()
}

func parseJSON(raw []byte) ([]string, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("JSON 格式错误")
	}
	doc := gjson.ParseBytes(raw)
	if doc.IsObject() {
		doc = doc.Get("tic_ids")
	}
	if !doc.IsArray() {
		return nil, fmt.Errorf("期望 TIC 数组或包含 tic_ids 的对象")
	}
	var values []string
	for _, item := range doc.Array() {
		switch item.Type {
		case gjson.Number:
			values = append(values, item.Raw)
		case gjson.String:
			values = append(values, item.Str)
		default:
			return nil, fmt.Errorf("不支持的目标值 %s", item.Raw)
		}
	}
	return values, nil
}

func parseYAML(raw []byte) ([]string, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if m, ok := doc.(map[string]any); ok {
		doc = m["tic_ids"]
	}
	items, ok := doc.([]any)
	if !ok {
		return nil, fmt.Errorf("期望 TIC 列表或包含 tic_ids 的映射")
	}
	values := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case int:
			values = append(values, strconv.Itoa(v))
		case int64:
			values = append(values, strconv.FormatInt(v, 10))
		case string:
			values = append(values, v)
		default:
			return nil, fmt.Errorf("不支持的目标值 %v", item)
		}
	}
	return values, nil
}

// Dedup 去除重复目标，保留首次出现的顺序。
func Dedup(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
