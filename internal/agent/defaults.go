/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package agent

import "ZaychikServer/pkg/types"

// GPUClockCap bounds the GPU clock applied at setup.
const GPUClockCap = 10000

// DefaultFanCurve returns the curve applied to every fan at setup.
func DefaultFanCurve(style types.FanStyle) types.FanCurve {
	if style == types.FanStyleASC {
		return types.FanCurve{
			{Temp: 10, Speed: 60},
			{Temp: 20, Speed: 60},
			{Temp: 40, Speed: 60},
			{Temp: 60, Speed: 60},
			{Temp: 100, Speed: 60},
		}
	}
	return types.FanCurve{
		{Temp: 30, Speed: 30},
		{Temp: 60, Speed: 40},
		{Temp: 80, Speed: 60},
		{Temp: 90, Speed: 65},
		{Temp: 100, Speed: 65},
	}
}

// BrakeFanCurve is the minimum-safety curve: 30% from 40℃ upwards.
func BrakeFanCurve() types.FanCurve {
	return types.FanCurve{
		{Temp: 40, Speed: 30},
		{Temp: 70, Speed: 30},
		{Temp: 85, Speed: 30},
		{Temp: 90, Speed: 30},
		{Temp: 100, Speed: 30},
	}
}
