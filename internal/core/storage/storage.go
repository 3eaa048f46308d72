/*
 存储层接口

 数据文件只读，按行号取行
 所有实现必须支持多个连接并发调用
*/
package storage

// Store 行存储接口
type Store interface {
	// 按行号读取一行，行号从1开始，不包含换行符
	// 行号为0或超过行数时返回 ErrLineNotFound
	Line(ordinal uint64) ([]byte, error)

	// 行数
	Count() uint64

	// 关闭存储，释放资源
	Close() error
}
