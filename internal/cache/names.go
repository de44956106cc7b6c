package cache

import (
	"path"
	"regexp"
	"strings"
	"time"
)

// Class 是命名空间的资源类别标签。
type Class string

const (
	ClassStatic  Class = "static"
	ClassDynamic Class = "dynamic"
	ClassImages  Class = "images"
	ClassFonts   Class = "fonts"
)

// Classes 返回四个类别，顺序固定。
func Classes() []Class {
	return []Class{ClassStatic, ClassDynamic, ClassImages, ClassFonts}
}

// StableToken 是字体命名空间使用的版本标记，部署版本变化时不会失效。
const StableToken = "stable"

// Names 保存当前版本下四个命名空间的完整名称。
type Names struct {
	Prefix  string
	Version string
	Static  string
	Dynamic string
	Images  string
	Fonts   string
}

// NewNames 按 <prefix><class>-<version> 规则生成命名空间名称，fonts 固定使用 stable。
func NewNames(prefix, version string) Names {
	build := func(class Class, token string) string {
		return prefix + string(class) + "-" + token
	}
	return Names{
		Prefix:  prefix,
		Version: version,
		Static:  build(ClassStatic, version),
		Dynamic: build(ClassDynamic, version),
		Images:  build(ClassImages, version),
		Fonts:   build(ClassFonts, StableToken),
	}
}

// For 返回类别对应的命名空间名称。
func (n Names) For(class Class) string {
	switch class {
	case ClassImages:
		return n.Images
	case ClassFonts:
		return n.Fonts
	case ClassStatic:
		return n.Static
	default:
		return n.Dynamic
	}
}

// All 返回当前版本的全部命名空间（白名单）。
func (n Names) All() []string {
	return []string{n.Static, n.Dynamic, n.Images, n.Fonts}
}

// IsCurrent 表示 name 是否属于当前版本的命名空间。
func (n Names) IsCurrent(name string) bool {
	for _, current := range n.All() {
		if current == name {
			return true
		}
	}
	return false
}

// IsStale 表示 name 带有本系统前缀但不属于当前版本，激活时应被删除。
func (n Names) IsStale(name string) bool {
	return strings.HasPrefix(name, n.Prefix) && !n.IsCurrent(name)
}

// MaxAge 描述各类别的最大缓存时长。
type MaxAge struct {
	Static  time.Duration
	Dynamic time.Duration
	Images  time.Duration
	Fonts   time.Duration
}

// DefaultMaxAge 返回 7 天 / 1 天 / 30 天 / 1 年的默认值。
func DefaultMaxAge() MaxAge {
	return MaxAge{
		Static:  7 * 24 * time.Hour,
		Dynamic: 24 * time.Hour,
		Images:  30 * 24 * time.Hour,
		Fonts:   365 * 24 * time.Hour,
	}
}

// For 返回类别对应的最大时长。
func (m MaxAge) For(class Class) time.Duration {
	switch class {
	case ClassStatic:
		return m.Static
	case ClassImages:
		return m.Images
	case ClassFonts:
		return m.Fonts
	default:
		return m.Dynamic
	}
}

// ForNamespace 根据命名空间名称反查最大时长，未知名称按 dynamic 处理。
func (m MaxAge) ForNamespace(names Names, namespace string) time.Duration {
	return m.For(names.ClassOf(namespace))
}

// ClassOf 根据命名空间名称反查类别。
func (n Names) ClassOf(namespace string) Class {
	switch namespace {
	case n.Static:
		return ClassStatic
	case n.Images:
		return ClassImages
	case n.Fonts:
		return ClassFonts
	default:
		return ClassDynamic
	}
}

var (
	imageExt  = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp|svg|ico)$`)
	fontExt   = regexp.MustCompile(`(?i)\.(woff|woff2|ttf|otf)$`)
	staticExt = regexp.MustCompile(`(?i)\.(css|js|json)$`)
)

// ClassForPath 根据 URL 路径的扩展名推断资源类别。
func ClassForPath(p string) Class {
	base := path.Base(p)
	switch {
	case imageExt.MatchString(base):
		return ClassImages
	case fontExt.MatchString(base):
		return ClassFonts
	case staticExt.MatchString(base):
		return ClassStatic
	default:
		return ClassDynamic
	}
}
