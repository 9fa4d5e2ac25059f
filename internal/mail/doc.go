// Package mail 定义简报核心的邮件侧：原始载荷树、正文解码、
// 规范化实体以及邮件数据源的抽象契约。
package mail
