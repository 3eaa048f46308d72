package checksum

import (
	"hash/crc32"
)

type CRC uint32

func ChecksumIEEE(data []byte) CRC {
	return CRC(crc32.ChecksumIEEE(data))
}

// Sum8 请求帧使用的加法校验：(command + argument) mod 256
// 参数只有最低字节参与计算，属于弱校验
func Sum8(command byte, argument uint32) byte {
	return byte((uint32(command) + argument) % 256)
}
