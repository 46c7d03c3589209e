package failure

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

// Category buckets errors for statistics, breakers and recovery dispatch.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategoryPermission    Category = "permission"
	CategorySensor        Category = "sensor"
	CategoryInference     Category = "inference"
	CategoryAudio         Category = "audio"
	CategoryTimeout       Category = "timeout"
	CategoryResource      Category = "resource"
	CategoryUninitialized Category = "uninitialized"
	CategoryUnknown       Category = "unknown"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryNetwork, CategoryPermission, CategorySensor, CategoryInference,
	CategoryAudio, CategoryTimeout, CategoryResource, CategoryUninitialized,
	CategoryUnknown,
}

// keyword rules are checked in order; the first match wins. Timeout comes
// before network so "connection timed out" is a timeout.
var keywordRules = []struct {
	category Category
	words    []string
}{
	{CategoryUninitialized, []string{"not initialized", "uninitialized", "before initialize"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline"}},
	{CategoryPermission, []string{"permission", "denied", "unauthorized", "forbidden"}},
	{CategoryNetwork, []string{"network", "connection", "socket", "dns", "unreachable", "no route"}},
	{CategoryAudio, []string{"audio", "microphone", "speech"}},
	{CategorySensor, []string{"camera", "sensor", "frame", "capture"}},
	{CategoryResource, []string{"out of memory", "memory", "resource", "quota", "battery", "no space"}},
	{CategoryInference, []string{"inference", "model", "interpreter", "tensor", "classif"}},
}

// Categorize maps err onto a Category. Typed pipeline errors map by kind;
// other errors are matched by well-known sentinels and then by message
// keywords. Unmatched errors are CategoryUnknown.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	if e, ok := As(err); ok {
		switch e.kind {
		case KindCorruptedFrame, KindTooManyCorruptedFrames:
			return CategorySensor
		case KindInference:
			return CategoryInference
		case KindUninitialized:
			return CategoryUninitialized
		case KindResource, KindModelLoad:
			return CategoryResource
		case KindTimeout:
			return CategoryTimeout
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, os.ErrPermission):
		return CategoryPermission
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range keywordRules {
		for _, w := range rule.words {
			if strings.Contains(msg, w) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}
