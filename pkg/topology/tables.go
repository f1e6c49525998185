// Nozzle to (primitive, address) wiring of the HP45 head
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package topology

import "hp45-host/pkg/head"

// nozzleAddress maps nozzle index to the address slot that selects it.
var nozzleAddress = [head.Nozzles]uint8{
	6, 12, 9, 1, 12, 16, 1, 7, 16, 2,
	7, 13, 2, 19, 13, 5, 19, 18, 5, 3,
	18, 11, 3, 14, 11, 17, 14, 4, 17, 20,
	4, 8, 20, 15, 8, 10, 16, 21, 10, 0,
	21, 6, 0, 17, 6, 12, 9, 1, 12, 16,
	1, 7, 16, 2, 7, 13, 2, 19, 13, 5,
	19, 18, 5, 3, 18, 11, 3, 14, 11, 17,
	14, 4, 17, 20, 4, 8, 20, 15, 8, 10,
	15, 21, 10, 0, 21, 6, 0, 9, 6, 12,
	9, 1, 12, 16, 1, 7, 16, 2, 7, 13,
	2, 19, 13, 5, 19, 18, 5, 3, 18, 11,
	3, 14, 11, 17, 14, 4, 17, 20, 4, 8,
	20, 15, 8, 10, 15, 21, 10, 0, 21, 6,
	0, 9, 6, 12, 9, 1, 12, 16, 1, 7,
	16, 2, 7, 13, 2, 19, 13, 5, 19, 18,
	5, 3, 18, 11, 3, 14, 11, 17, 14, 4,
	17, 20, 4, 8, 20, 15, 8, 10, 15, 21,
	6, 0, 9, 6, 0, 9, 6, 12, 9, 1,
	12, 16, 1, 7, 18, 2, 7, 13, 2, 19,
	13, 5, 19, 18, 5, 3, 18, 11, 3, 14,
	11, 17, 14, 4, 17, 20, 4, 8, 20, 15,
	8, 10, 15, 21, 10, 0, 21, 6, 0, 9,
	6, 12, 9, 1, 12, 16, 1, 7, 16, 2,
	7, 13, 2, 19, 13, 5, 19, 18, 5, 3,
	18, 11, 3, 10, 11, 17, 14, 4, 17, 20,
	4, 8, 20, 15, 8, 10, 15, 21, 10, 0,
	21, 6, 0, 9, 6, 12, 9, 1, 12, 16,
	1, 7, 16, 2, 7, 13, 2, 19, 13, 5,
	19, 18, 5, 3, 18, 11, 3, 14, 11, 17,
	14, 4, 17, 20, 4, 8, 20, 15, 8, 20,
}

// nozzlePrimitive maps nozzle index to its primitive drive line.
var nozzlePrimitive = [head.Nozzles]uint8{
	3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1,
	3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 11, 2, 11, 2, 11, 2, 11, 2, 11, 2, 11, 2, 11, 2, 11, 2, 11, 2, 11, 2,
	11, 2, 11, 2, 11, 2, 11, 2, 11, 2, 11, 2, 11, 2, 11, 2, 11, 2, 11, 2, 11, 2, 11, 2, 10, 8, 10, 8, 10, 8,
	10, 8, 10, 8, 10, 8, 10, 8, 10, 8, 10, 8, 10, 8, 10, 8, 10, 8, 10, 8, 10, 8, 10, 8, 10, 8, 10, 8, 10, 8,
	10, 8, 10, 8, 10, 8, 10, 8, 12, 5, 12, 5, 12, 5, 12, 5, 12, 5, 12, 5, 12, 5, 12, 5, 12, 5, 12, 5, 12, 5,
	12, 5, 12, 5, 12, 5, 12, 5, 12, 5, 12, 5, 12, 5, 12, 5, 12, 5, 12, 5, 12, 5, 7, 9, 7, 9, 7, 9, 7, 9,
	7, 9, 7, 9, 7, 9, 7, 9, 7, 9, 7, 9, 7, 9, 7, 9, 7, 9, 7, 9, 7, 9, 7, 9, 7, 9, 7, 9, 7, 9,
	7, 9, 7, 9, 7, 9, 6, 0, 6, 0, 6, 0, 6, 0, 6, 0, 6, 0, 6, 0, 6, 0, 6, 0, 6, 0, 6, 0, 6, 0,
	6, 0, 6, 0, 6, 0, 6, 0, 6, 0, 6, 0, 6, 0, 6, 0, 6, 0, 6, 0, 4, 13, 4, 13, 4, 13, 4, 13, 4, 13,
	4, 13, 4, 13, 4, 13, 4, 13, 4, 13, 4, 13, 4, 13, 4, 13, 4, 13, 4, 13, 4, 13, 4, 13, 4, 13, 4, 13, 4, 13,
}
