package task

import (
	"errors"
	"fmt"
)

// ErrorKind Task错误分类
type ErrorKind string

const (
	// KindTransient 网络、超时、限流等，可重试
	KindTransient ErrorKind = "transient"
	// KindPermanent 结构不匹配、鉴权失败、源数据异常等，不可重试
	KindPermanent ErrorKind = "permanent"
)

// TaskError 带分类的Task执行错误（对外导出）
type TaskError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *TaskError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s错误(%s): %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s错误: %v", e.Kind, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Transient 包装为可重试错误
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: KindTransient, Op: op, Err: err}
}

// Permanent 包装为永久错误
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: KindPermanent, Op: op, Err: err}
}

// IsPermanent 判断错误链中是否有永久错误
func IsPermanent(err error) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Kind == KindPermanent
}
